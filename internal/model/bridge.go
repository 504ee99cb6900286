package model

import (
	"github.com/mboyajeffers/etl-framework/internal/keys"
	"github.com/mboyajeffers/etl-framework/internal/table"
)

// buildBridge pairs each row's left dimension key with the key of every item
// in the list column. Pairs are deduplicated in first-seen order. Rows whose
// left key does not resolve are skipped and counted.
func buildBridge(spec BridgeSpec, cleaned *table.Table, dims map[string]*index, right DimensionSpec) (*table.Table, int) {
	left := dims[spec.Left.Dimension]
	rightIx := dims[spec.Right]
	rightCol := rightIx.keyColumn

	out := table.New(spec.Name, table.KindBridge,
		table.Column{Name: left.keyColumn, Type: table.TypeString},
		table.Column{Name: rightCol, Type: table.TypeString},
	)

	sep := spec.Separator
	if sep == "" {
		sep = right.Explode.separator()
	}

	seen := make(map[[2]string]bool)
	unresolved := 0
	for _, r := range cleaned.Rows {
		lk, ok := left.lookup(r, spec.Left.Lookup)
		if !ok {
			unresolved++
			continue
		}
		for _, item := range splitList(r[spec.Column], sep) {
			rk, ok := rightIx.current[signature([]any{item})]
			if !ok {
				rk = keys.Generate(spec.Right, item)
			}
			pair := [2]string{lk, rk}
			if seen[pair] {
				continue
			}
			seen[pair] = true
			out.Append(table.Row{left.keyColumn: lk, rightCol: rk})
		}
	}
	return out, unresolved
}
