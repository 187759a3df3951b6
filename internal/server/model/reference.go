package model

import (
	"strings"

	"github.com/dmitrijs2005/regstate/internal/common"
)

const (
	relationPrefix = "rel_"
	viewPrefix     = "mv_"
)

// Reference is a resolved reference attribute: the source collection, the
// destination collection and the attribute linking them.
type Reference struct {
	Src       *Collection
	Dst       *Collection
	Attribute Attribute

	// DstAttribute is the destination attribute the bronwaarde is matched
	// against. Defaults to the destination entity id.
	DstAttribute string

	// Name is the relation table name.
	Name string
}

// Reference resolves and validates catalog.collection.attribute. It does no
// I/O and is cheap enough to run before any table scan.
func (r *Registry) Reference(catalog, collection, attribute string) (*Reference, error) {
	src, err := r.Collection(catalog, collection)
	if err != nil {
		return nil, err
	}
	attr, ok := src.Attribute(attribute)
	if !ok {
		return nil, common.Invalid("attribute", "unknown attribute %q in %s", attribute, src)
	}
	if !attr.IsReference() {
		return nil, common.Invalid("attribute", "%s.%s is not a reference", src, attribute)
	}
	if strings.TrimSpace(attr.Match) == "" {
		return nil, common.Invalid("attribute", "%s.%s has an empty match method", src, attribute)
	}
	dstCatalog, dstCollection, err := attr.Target()
	if err != nil {
		return nil, err
	}
	dst, err := r.Collection(dstCatalog, dstCollection)
	if err != nil {
		return nil, err
	}

	ref := &Reference{Src: src, Dst: dst, Attribute: attr, DstAttribute: attr.DestinationAttribute}
	if ref.DstAttribute == "" {
		ref.DstAttribute = dst.EntityID
	}
	if _, ok := dst.Attribute(ref.DstAttribute); !ok {
		return nil, common.Invalid("attribute", "destination attribute %q not declared in %s", ref.DstAttribute, dst)
	}
	ref.Name = relationPrefix + r.abbr(src) + "_" + r.abbr(dst) + "_" + attr.Name
	if len(ref.Name) > maxIdentifierLength {
		return nil, common.Invalid("attribute", "relation name %q too long", ref.Name)
	}
	return ref, nil
}

// ViewName is the materialized view derived from the relation table.
func (ref *Reference) ViewName() string { return ViewName(ref.Name) }

// ViewName derives the materialized view name of a relation table.
func ViewName(relation string) string {
	return viewPrefix + strings.TrimPrefix(relation, relationPrefix)
}

// abbr is the catalog abbreviation followed by the collection abbreviation;
// relation tables are named rel_<srcAbbr>_<dstAbbr>_<attribute>.
func (r *Registry) abbr(c *Collection) string {
	return r.Catalogs[c.Catalog].Abbreviation + "_" + c.Abbreviation
}
