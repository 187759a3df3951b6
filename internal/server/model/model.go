// Package model is the read-only schema registry: catalogs, their
// collections and the attributes each collection declares. A Registry is
// loaded once per process and passed to the components that need it.
package model

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/dmitrijs2005/regstate/internal/common"
)

// Attribute types.
const (
	TypeString        = "GOB.String"
	TypeInteger       = "GOB.Integer"
	TypeDecimal       = "GOB.Decimal"
	TypeBoolean       = "GOB.Boolean"
	TypeDate          = "GOB.Date"
	TypeDateTime      = "GOB.DateTime"
	TypeJSON          = "GOB.JSON"
	TypeReference     = "GOB.Reference"
	TypeManyReference = "GOB.ManyReference"
	TypeGeometry      = "GOB.Geometry"
)

// Match methods for references.
const (
	MatchEquals = "equals"
	MatchGeoIn  = "geo_in"
)

// maxIdentifierLength is the PostgreSQL limit on identifier length.
const maxIdentifierLength = 63

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Attribute describes one collection-specific column.
type Attribute struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`

	// Reference attributes only.
	Ref                  string `json:"ref,omitempty"`
	Match                string `json:"match,omitempty"`
	DestinationAttribute string `json:"destination_attribute,omitempty"`
}

// IsReference reports whether the attribute links to another collection.
func (a Attribute) IsReference() bool {
	return a.Type == TypeReference || a.Type == TypeManyReference
}

// Many reports whether the attribute holds a list of references.
func (a Attribute) Many() bool { return a.Type == TypeManyReference }

// Target splits Ref ("catalog:collection") into its parts.
func (a Attribute) Target() (catalog, collection string, err error) {
	catalog, collection, ok := strings.Cut(a.Ref, ":")
	if !ok || catalog == "" || collection == "" {
		return "", "", common.Invalid(a.Name, "malformed reference %q", a.Ref)
	}
	return catalog, collection, nil
}

// Collection describes one registry collection.
type Collection struct {
	Catalog      string      `json:"-"`
	Name         string      `json:"-"`
	Abbreviation string      `json:"abbreviation"`
	EntityID     string      `json:"entity_id"`
	Version      string      `json:"version"`
	HasStates    bool        `json:"has_states"`
	Attributes   []Attribute `json:"attributes"`

	byName map[string]int
}

// Attribute looks up a declared attribute by name.
func (c *Collection) Attribute(name string) (Attribute, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Attribute{}, false
	}
	return c.Attributes[i], true
}

// Table is the current-state table name.
func (c *Collection) Table() string {
	return c.Catalog + "_" + c.Name
}

// References returns the reference attributes in declaration order.
func (c *Collection) References() []Attribute {
	var refs []Attribute
	for _, a := range c.Attributes {
		if a.IsReference() {
			refs = append(refs, a)
		}
	}
	return refs
}

// Columns returns attribute names in declaration order.
func (c *Collection) Columns() []string {
	cols := make([]string, len(c.Attributes))
	for i, a := range c.Attributes {
		cols[i] = a.Name
	}
	return cols
}

func (c *Collection) String() string { return c.Catalog + ":" + c.Name }

// Catalog groups collections.
type Catalog struct {
	Name         string                 `json:"-"`
	Abbreviation string                 `json:"abbreviation"`
	Collections  map[string]*Collection `json:"collections"`
}

// CollectionNames returns the collection names sorted.
func (c *Catalog) CollectionNames() []string {
	names := make([]string, 0, len(c.Collections))
	for n := range c.Collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Registry is the resolved schema model.
type Registry struct {
	Catalogs map[string]*Catalog `json:"catalogs"`
}

// Load reads and validates a registry from a JSON file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a registry.
func Parse(data []byte) (*Registry, error) {
	r := &Registry{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) init() error {
	if len(r.Catalogs) == 0 {
		return common.Invalid("catalogs", "model declares no catalogs")
	}
	for name, cat := range r.Catalogs {
		cat.Name = name
		if cat.Abbreviation == "" {
			return common.Invalid(name, "catalog has no abbreviation")
		}
		for cname, coll := range cat.Collections {
			coll.Catalog = name
			coll.Name = cname
			if err := coll.init(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Collection) init() error {
	if c.Abbreviation == "" {
		return common.Invalid(c.String(), "collection has no abbreviation")
	}
	c.byName = make(map[string]int, len(c.Attributes))
	for i, a := range c.Attributes {
		if !identifierPattern.MatchString(a.Name) {
			return common.Invalid(c.String(), "invalid attribute name %q", a.Name)
		}
		if _, ok := columnTypes[a.Type]; !ok {
			return common.Invalid(c.String()+"."+a.Name, "unknown type %q", a.Type)
		}
		if _, dup := c.byName[a.Name]; dup {
			return common.Invalid(c.String(), "duplicate attribute %q", a.Name)
		}
		c.byName[a.Name] = i
	}
	if _, ok := c.byName[c.EntityID]; !ok {
		return common.Invalid(c.String(), "entity id %q is not a declared attribute", c.EntityID)
	}
	if c.HasStates {
		for _, req := range []string{common.FieldSequenceNumber, common.FieldBeginValidity} {
			if _, ok := c.byName[req]; !ok {
				return common.Invalid(c.String(), "collection with states lacks %q", req)
			}
		}
	}
	if len(c.Table()) > maxIdentifierLength {
		return common.Invalid(c.String(), "table name %q too long", c.Table())
	}
	return nil
}

// Catalog returns the named catalog.
func (r *Registry) Catalog(name string) (*Catalog, error) {
	cat, ok := r.Catalogs[name]
	if !ok {
		return nil, common.Invalid("catalogue", "unknown catalogue %q", name)
	}
	return cat, nil
}

// Collection returns the named collection.
func (r *Registry) Collection(catalog, collection string) (*Collection, error) {
	cat, err := r.Catalog(catalog)
	if err != nil {
		return nil, err
	}
	coll, ok := cat.Collections[collection]
	if !ok {
		return nil, common.Invalid("collection", "unknown collection %q in catalogue %q", collection, catalog)
	}
	return coll, nil
}

// CatalogNames returns the catalog names sorted.
func (r *Registry) CatalogNames() []string {
	names := make([]string, 0, len(r.Catalogs))
	for n := range r.Catalogs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
