package services

import (
	"github.com/dmitrijs2005/regstate/internal/server/model"
)

// references resolves the relation units of a catalogue: one per reference
// attribute of each requested collection, all collections when none are
// named. Resolution is pure, so a bad request fails before any I/O.
func references(registry *model.Registry, catalogue string, collections []string) ([]*model.Reference, error) {
	cat, err := registry.Catalog(catalogue)
	if err != nil {
		return nil, err
	}
	names := collections
	if len(names) == 0 {
		names = cat.CollectionNames()
	}

	var refs []*model.Reference
	for _, name := range names {
		coll, err := registry.Collection(catalogue, name)
		if err != nil {
			return nil, err
		}
		for _, attr := range coll.References() {
			ref, err := registry.Reference(catalogue, name, attr.Name)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}
