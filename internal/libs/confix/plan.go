package confix

import (
	"context"

	"github.com/creachadair/tomledit"
	"github.com/creachadair/tomledit/parser"
	"github.com/creachadair/tomledit/transform"
)

// The plan is the sequence of transformation steps that should be applied, in
// the given order, to convert a configuration file to be compatible with the
// current version of the config grammar.
//
// Steps must tolerate documents that were already upgraded.
var plan = transform.Plan{
	{
		Desc:    "Rename [sync] to [chain_sync]",
		T:       transform.Rename(parser.Key{"sync"}, parser.Key{"chain_sync"}),
		ErrorOK: true,
	},
	{
		Desc: "Move top-level tick_interval key to commit.tick_interval",
		T: transform.MoveKey(
			parser.Key{"tick_interval"},
			parser.Key{"commit"},
			parser.Key{"tick_interval"},
		),
		ErrorOK: true,
	},
	{
		Desc: "Rename top-level cell key to cell_file",
		T: transform.Func(func(_ context.Context, doc *tomledit.Document) error {
			if found := doc.First("cell"); found != nil && found.IsMapping() {
				found.KeyValue.Name = parser.Key{"cell_file"}
			}
			return nil
		}),
	},
	{
		Desc:    "Remove vestigial p2p.persistent_peers setting, peers are listed in the cell file",
		T:       transform.Remove(parser.Key{"p2p", "persistent_peers"}),
		ErrorOK: true,
	},
	{
		Desc: `Add instrumentation.namespace default "cellchain"`,
		T: transform.EnsureKey(parser.Key{"instrumentation"}, &parser.KeyValue{
			Block: parser.Comments{"Instrumentation namespace"},
			Name:  parser.Key{"namespace"},
			Value: parser.MustValue(`"cellchain"`),
		}),
		ErrorOK: true,
	},
}
