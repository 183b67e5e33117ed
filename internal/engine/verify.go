package engine

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/cellar/internal/block"
	"github.com/mesh-intelligence/cellar/internal/verify"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Verify checks the durable page tree of every file behind uri: the file
// itself, a column group's source or each column group of a table. A file
// staged by the session's transaction is checked as staged. Verification
// reads only.
func (s *Session) Verify(ctx context.Context, uriText string) ([]*verify.Report, error) {
	uri, err := types.ParseURI(uriText)
	if err != nil {
		return nil, err
	}
	files, err := s.filesOf(uri)
	if err != nil {
		return nil, err
	}

	c := s.conn
	c.writeMu.RLock()
	defer c.writeMu.RUnlock()

	var reports []*verify.Report
	for _, f := range files {
		mgr, err := s.managerOf(f)
		if err != nil {
			return reports, fmt.Errorf("verifying %s: %w", uri, err)
		}
		rep, err := verify.Verify(ctx, mgr)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// filesOf lists the data files behind uri as the session sees the catalog.
func (s *Session) filesOf(uri types.URI) ([]types.URI, error) {
	get := s.conn.store.Get
	if s.txn != nil {
		get = s.txn.entry
	}
	cfg, err := get(uri)
	if err != nil {
		return nil, err
	}
	switch uri.Kind {
	case types.KindFile:
		return []types.URI{uri}, nil
	case types.KindColGroup:
		return []types.URI{sourceOf(uri, cfg)}, nil
	case types.KindTable:
		groups, err := cfg.GetList("colgroups")
		if err != nil {
			return nil, err
		}
		if len(groups) == 0 {
			groups = []string{""}
		}
		var files []types.URI
		for _, g := range groups {
			cg := types.ColGroupURI(uri.Name, g)
			gcfg, err := get(cg)
			if err != nil {
				return nil, err
			}
			files = append(files, sourceOf(cg, gcfg))
		}
		return files, nil
	}
	return nil, fmt.Errorf("%w: %s has no data files", types.ErrInvalidURI, uri)
}

func (s *Session) managerOf(file types.URI) (*block.Manager, error) {
	if s.txn != nil {
		if tr, ok := s.txn.trees[file.String()]; ok {
			return tr.Manager(), nil
		}
	}
	h, err := s.conn.handle(file)
	if err != nil {
		return nil, err
	}
	return h.tree.Manager(), nil
}
