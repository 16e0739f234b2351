package config

// Delta classifies every account identifier appearing in either the old
// or new configuration, implementing spec.md invariant 4: accounts
// preserved with byte-identical configuration keep runtime state;
// materially changed accounts reset to Empty; removed accounts are
// discarded; added accounts start Empty.
type Delta struct {
	Unchanged []string
	Changed   []string
	Added     []string
	Removed   []string
}

// Diff compares c (the configuration already installed) against next
// (the freshly loaded configuration) and returns the reload classification
// the daemon's config binder applies to account.Table.
func (c *Config) Diff(next *Config) Delta {
	var d Delta

	for _, id := range next.AccountOrder {
		oldAcc, existed := c.Accounts[id]
		if !existed {
			d.Added = append(d.Added, id)
			continue
		}
		if oldAcc.Equal(next.Accounts[id]) {
			d.Unchanged = append(d.Unchanged, id)
		} else {
			d.Changed = append(d.Changed, id)
		}
	}

	for _, id := range c.AccountOrder {
		if _, stillThere := next.Accounts[id]; !stillThere {
			d.Removed = append(d.Removed, id)
		}
	}

	return d
}
