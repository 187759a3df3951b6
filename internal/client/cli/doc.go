// Package cli is the regstate command-line client.
//
// Each command maps onto one StateService call and prints the response as
// indented JSON:
//
//	import FILE                              import a delivery file
//	apply CAT COLL                           replay pending events
//	relate [-full] CAT [COLL...]             build relation tables
//	views create [-force] CAT [COLL...]      create materialized views
//	views refresh CAT [COLL...]              refresh materialized views
//	export CAT COLL                          export the event log of a collection
//
// With no command the client reads commands line by line from stdin until
// EOF or "exit".
package cli
