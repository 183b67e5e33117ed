package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/cellar/internal/block"
	"github.com/mesh-intelligence/cellar/internal/btree"
	"github.com/mesh-intelligence/cellar/internal/catalog"
	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/internal/logging"
	"github.com/mesh-intelligence/cellar/internal/verify"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// importPlan is the set of entries one import call adds.
type importPlan struct {
	objs  []catalog.Object
	table string // table that must be whole at commit, if any
}

func (p *importPlan) add(o catalog.Object) { p.objs = append(p.objs, o) }

func (p *importPlan) uris() []types.URI {
	out := make([]types.URI, len(p.objs))
	for i, o := range p.objs {
		out[i] = o.URI
	}
	return out
}

// LiveImport attaches data files already copied into the data directory
// and adds catalog entries for them.
//
// config is the object's configuration as exported from its source
// database. Without it, the configuration is read from the descriptor
// stored in the data file. When given, it governs every layout key.
//
// Importing a table with column groups outside an explicit transaction
// imports every group along with it, reading each group's configuration
// from its file. Inside an explicit transaction the table and each group
// are imported by separate calls and the table must be whole at commit.
//
// Every file is verified before anything is staged. On any failure the
// call stages nothing.
func (s *Session) LiveImport(ctx context.Context, uriText string, config ...string) error {
	uri, err := types.ParseURI(uriText)
	if err != nil {
		return err
	}
	var cfg *confstr.Record
	switch len(config) {
	case 0:
	case 1:
		if config[0] != "" {
			if cfg, err = confstr.Parse(config[0]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %d configurations for %s", types.ErrMalformedConfig, len(config), uri)
	}

	explicit := s.txn != nil
	return s.run(func(t *Txn) error {
		plan, err := s.conn.planImport(t, uri, cfg, explicit)
		if err != nil {
			return err
		}
		return s.conn.runImport(ctx, t, uri, plan)
	})
}

// ImportTable imports a table and its column groups as one unit. groups
// maps each column group name to its exported configuration; a group
// missing from the map is read from its file.
func (s *Session) ImportTable(ctx context.Context, table, tableConfig string, groups map[string]string) error {
	uri := types.TableURI(table)
	if err := uri.Validate(); err != nil {
		return err
	}
	var tcfg *confstr.Record
	if tableConfig != "" {
		var err error
		if tcfg, err = confstr.Parse(tableConfig); err != nil {
			return err
		}
	}
	var err error
	gcfgs := make(map[string]*confstr.Record, len(groups))
	for g, text := range groups {
		if gcfgs[g], err = confstr.Parse(text); err != nil {
			return fmt.Errorf("column group %s: %w", g, err)
		}
	}
	return s.run(func(t *Txn) error {
		plan, err := s.conn.planTable(uri, tcfg, gcfgs, true)
		if err != nil {
			return err
		}
		return s.conn.runImport(ctx, t, uri, plan)
	})
}

// ImportFile imports a single data file.
func (s *Session) ImportFile(ctx context.Context, file, fileConfig string) error {
	return s.LiveImport(ctx, types.FileURI(file).String(), fileConfig)
}

func (c *Connection) descriptor(file types.URI) (*catalog.Descriptor, error) {
	text, err := block.ReadDescriptor(c.path(file))
	if err != nil {
		return nil, err
	}
	return catalog.ParseDescriptor(text)
}

// tableDescriptor finds a data file describing table: its default group's
// file, or else the file of any of its column groups.
func (c *Connection) tableDescriptor(table types.URI) (*catalog.Descriptor, error) {
	d, err := c.descriptor(types.DefaultSource(types.ColGroupURI(table.Name, "")))
	if err == nil {
		if d.Table == nil || d.Table.URI != table {
			return nil, fmt.Errorf("%w: data file of %s does not describe it", types.ErrMalformedConfig, table)
		}
		return d, nil
	}
	if !errors.Is(err, types.ErrFileMissing) {
		return nil, err
	}
	matches, _ := filepath.Glob(filepath.Join(c.cfg.DataDir, table.Name+"_*"+types.DataFileSuffix))
	for _, m := range matches {
		gd, gerr := c.descriptor(types.FileURI(filepath.Base(m)))
		if gerr == nil && gd.Table != nil && gd.Table.URI == table {
			return gd, nil
		}
	}
	return nil, fmt.Errorf("%w: no data file describes %s", types.ErrFileMissing, table)
}

func (c *Connection) planImport(t *Txn, uri types.URI, cfg *confstr.Record, explicit bool) (*importPlan, error) {
	switch uri.Kind {
	case types.KindFile:
		d, err := c.descriptor(uri)
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			cfg = d.File
		} else {
			cfg = catalog.FillLayout(cfg, d.File)
		}
		file, err := catalog.Reconcile(cfg, uri)
		if err != nil {
			return nil, err
		}
		return &importPlan{objs: []catalog.Object{{URI: uri, Config: file}}}, nil

	case types.KindTable:
		return c.planTable(uri, cfg, nil, !explicit)

	case types.KindColGroup:
		tableURI := types.TableURI(uri.Table())
		tcfg, err := t.entry(tableURI)
		if err != nil {
			return nil, fmt.Errorf("importing %s: %w", uri, err)
		}
		schema, err := catalog.TableSchema(uri.Table(), tcfg)
		if err != nil {
			return nil, err
		}
		plan := &importPlan{table: uri.Table()}
		if err := c.planGroup(plan, uri, cfg, tcfg, schema); err != nil {
			return nil, err
		}
		return plan, nil

	default:
		return nil, fmt.Errorf("%w: %s cannot be imported", types.ErrInvalidURI, uri)
	}
}

// planTable plans a table import. With withGroups set, every column group
// is planned too, from groups or from its file.
func (c *Connection) planTable(uri types.URI, cfg *confstr.Record, groups map[string]*confstr.Record, withGroups bool) (*importPlan, error) {
	if cfg == nil {
		d, err := c.tableDescriptor(uri)
		if err != nil {
			return nil, err
		}
		cfg = d.Table.Config
	}
	table, err := catalog.Reconcile(cfg, uri)
	if err != nil {
		return nil, err
	}
	schema, err := catalog.TableSchema(uri.Name, table)
	if err != nil {
		return nil, err
	}
	plan := &importPlan{table: uri.Name}
	plan.add(catalog.Object{URI: uri, Config: table})

	if len(schema.ColGroups) == 0 {
		return plan, c.planGroup(plan, types.ColGroupURI(uri.Name, ""), nil, table, schema)
	}
	if !withGroups {
		return plan, nil
	}
	for _, g := range schema.ColGroups {
		if err := c.planGroup(plan, types.ColGroupURI(uri.Name, g), groups[g], table, schema); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// planGroup plans a column group and its file. The file entry comes from
// the file's descriptor; its key and value formats follow the table.
func (c *Connection) planGroup(plan *importPlan, cg types.URI, cfg, table *confstr.Record, schema *catalog.Schema) error {
	fileURI := types.DefaultSource(cg)
	d, err := c.descriptor(fileURI)
	if err != nil {
		return fmt.Errorf("column group %s: %w", cg, err)
	}
	var recorded *confstr.Record
	if d.ColGroup != nil {
		recorded = d.ColGroup.Config
	}
	switch {
	case cfg == nil && recorded != nil:
		cfg = recorded
	case cfg == nil:
		cfg = confstr.New()
	default:
		cfg = catalog.FillLayout(cfg, recorded)
	}
	group, err := catalog.Reconcile(cfg, cg)
	if err != nil {
		return err
	}
	cols, err := group.GetList("columns")
	if err != nil {
		return err
	}
	vf, err := schema.GroupValueFormat(cols)
	if err != nil {
		return err
	}
	file, err := catalog.Reconcile(d.File, fileURI)
	if err != nil {
		return err
	}
	kf, _ := table.GetString("key_format")
	file.Set("key_format", confstr.Scalar(kf))
	file.Set("value_format", confstr.Scalar(vf.String()))

	plan.add(catalog.Object{URI: cg, Config: group})
	plan.add(catalog.Object{URI: fileURI, Config: file})
	return nil
}

// runImport reserves the plan's names, attaches and verifies its files and
// stages its entries. Verification of several files runs in parallel.
func (c *Connection) runImport(ctx context.Context, t *Txn, uri types.URI, plan *importPlan) (err error) {
	log := logging.WithTxn("import", t.id).With("uri", uri.String())
	start := time.Now()

	uris := plan.uris()
	if err := t.claim(uris); err != nil {
		return err
	}
	var mgrs []*block.Manager
	defer func() {
		if err == nil {
			return
		}
		for _, m := range mgrs {
			m.Close()
		}
		c.unreserve(t.id, uris)
		t.reserved = slices.DeleteFunc(t.reserved, func(u types.URI) bool { return slices.Contains(uris, u) })
		log.Info("import failed", "error", err)
	}()

	var files []catalog.Object
	for _, o := range plan.objs {
		if o.URI.Kind != types.KindFile {
			continue
		}
		layout, err := catalog.FileLayout(o.Config)
		if err != nil {
			return fmt.Errorf("%s: %w", o.URI, err)
		}
		mgr, err := block.Attach(c.path(o.URI), layout, block.AttachOptions{
			TolerateAllocationMismatch: c.cfg.TolerateAllocationMismatch,
		})
		if err != nil {
			return fmt.Errorf("attaching %s: %w", o.URI, err)
		}
		mgrs = append(mgrs, mgr)
		files = append(files, o)
		// A tolerated mismatch leaves the header's unit in charge; the entry
		// records the layout the bytes actually have.
		if n := mgr.Layout().AllocationSize; n != layout.AllocationSize {
			o.Config.Set("allocation_size", confstr.Scalar(strconv.FormatInt(n, 10)))
		}
	}

	reports := make([]*verify.Report, len(mgrs))
	g, gctx := errgroup.WithContext(ctx)
	for i, mgr := range mgrs {
		g.Go(func() error {
			rep, err := verify.Verify(gctx, mgr)
			if err != nil {
				return fmt.Errorf("verifying %s: %w", files[i].URI, err)
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	trees := make(map[string]*btree.Tree, len(mgrs))
	for i, mgr := range mgrs {
		tr, err := btree.Load(mgr)
		if err != nil {
			return fmt.Errorf("loading %s: %w", files[i].URI, err)
		}
		trees[files[i].URI.String()] = tr
	}
	if err := t.stage(plan.objs, trees); err != nil {
		return err
	}
	if plan.table != "" {
		t.markComplete(plan.table)
	}

	var records int64
	for _, r := range reports {
		records += r.Records
	}
	log.Info("imported", "entries", len(plan.objs), "files", len(mgrs), "records", records,
		"elapsed", time.Since(start))
	return nil
}
