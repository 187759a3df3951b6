// Package modeltest provides a small registry fixture covering every
// combination of historicized source and destination collections.
package modeltest

import (
	"testing"

	"github.com/dmitrijs2005/regstate/internal/server/model"
)

// JSON is the fixture model.
//
//	meetbouten:metingen   -> meetbouten:meetbouten  (no states -> no states)
//	meetbouten:meetbouten -> gebieden:buurten       (no states -> states)
//	gebieden:buurten      -> gebieden:wijken        (states -> states)
//	gebieden:wijken       -> gebieden:stadsdelen    (states -> no states)
const JSON = `{
  "catalogs": {
    "gebieden": {
      "abbreviation": "gbd",
      "collections": {
        "stadsdelen": {
          "abbreviation": "sdl",
          "entity_id": "identificatie",
          "version": "0.1",
          "attributes": [
            {"name": "identificatie", "type": "GOB.String"},
            {"name": "code", "type": "GOB.String"},
            {"name": "naam", "type": "GOB.String"}
          ]
        },
        "wijken": {
          "abbreviation": "wijk",
          "entity_id": "identificatie",
          "version": "0.1",
          "has_states": true,
          "attributes": [
            {"name": "identificatie", "type": "GOB.String"},
            {"name": "volgnummer", "type": "GOB.Integer"},
            {"name": "begin_geldigheid", "type": "GOB.DateTime"},
            {"name": "eind_geldigheid", "type": "GOB.DateTime"},
            {"name": "naam", "type": "GOB.String"},
            {"name": "ligt_in_stadsdeel", "type": "GOB.Reference", "ref": "gebieden:stadsdelen", "match": "equals"}
          ]
        },
        "buurten": {
          "abbreviation": "brt",
          "entity_id": "identificatie",
          "version": "0.1",
          "has_states": true,
          "attributes": [
            {"name": "identificatie", "type": "GOB.String"},
            {"name": "volgnummer", "type": "GOB.Integer"},
            {"name": "begin_geldigheid", "type": "GOB.DateTime"},
            {"name": "eind_geldigheid", "type": "GOB.DateTime"},
            {"name": "naam", "type": "GOB.String"},
            {"name": "ligt_in_wijk", "type": "GOB.Reference", "ref": "gebieden:wijken", "match": "equals"}
          ]
        }
      }
    },
    "meetbouten": {
      "abbreviation": "mbn",
      "collections": {
        "meetbouten": {
          "abbreviation": "mbt",
          "entity_id": "identificatie",
          "version": "0.2",
          "attributes": [
            {"name": "identificatie", "type": "GOB.String"},
            {"name": "status", "type": "GOB.JSON"},
            {"name": "hoogte", "type": "GOB.Decimal"},
            {"name": "datum", "type": "GOB.Date"},
            {"name": "actief", "type": "GOB.Boolean"},
            {"name": "ligt_in_buurt", "type": "GOB.Reference", "ref": "gebieden:buurten", "match": "equals"}
          ]
        },
        "metingen": {
          "abbreviation": "mtg",
          "entity_id": "identificatie",
          "version": "0.1",
          "attributes": [
            {"name": "identificatie", "type": "GOB.String"},
            {"name": "zakking", "type": "GOB.Decimal"},
            {"name": "hoort_bij_meetbouten", "type": "GOB.ManyReference", "ref": "meetbouten:meetbouten", "match": "equals"}
          ]
        }
      }
    }
  }
}`

// Registry parses the fixture, failing the test on error.
func Registry(t testing.TB) *model.Registry {
	t.Helper()
	r, err := model.Parse([]byte(JSON))
	if err != nil {
		t.Fatalf("parse fixture model: %v", err)
	}
	return r
}

// Collection returns a fixture collection, failing the test on error.
func Collection(t testing.TB, catalog, collection string) *model.Collection {
	t.Helper()
	c, err := Registry(t).Collection(catalog, collection)
	if err != nil {
		t.Fatalf("fixture collection: %v", err)
	}
	return c
}
