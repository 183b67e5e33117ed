package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cellar/internal/engine"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

func newCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create <uri> [config]",
		Short: "Create a file, table or column group",
		Example: `  cellar create table:orders 'key_format=r,value_format=SiS,columns=(id,name,qty,note),colgroups=(main,notes)'
  cellar create colgroup:orders:main 'columns=(name,qty)'
  cellar create file:raw.wt 'key_format=i,value_format=u'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *engine.Session) error {
				if err := s.Create(args[0], optional(args, 1)); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "created", args[0])
				return nil
			})
		},
	}
}

func newDropCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <uri>",
		Short: "Drop an object and delete its data files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *engine.Session) error {
				if err := s.Drop(args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "dropped", args[0])
				return nil
			})
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	var stageFrom string
	cmd := &cobra.Command{
		Use:   "import <uri> [config]",
		Short: "Attach data files copied from another database",
		Long: `import adds catalog entries for data files already in the data directory.
config is the object's configuration as exported by "cellar metadata" in the
source database; without it the configuration stored in the data file is used.

Importing a table also imports each of its column groups. With --stage-from,
the object's data files are first copied from that directory.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri, err := types.ParseURI(args[0])
			if err != nil {
				return err
			}
			if stageFrom != "" {
				names, err := dataFilesOf(stageFrom, uri)
				if err != nil {
					return err
				}
				if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
					return err
				}
				if _, err := engine.StageFiles(stageFrom, a.cfg.DataDir, names...); err != nil {
					return err
				}
			}
			return a.withSession(func(s *engine.Session) error {
				var cfg []string
				if len(args) == 2 {
					cfg = append(cfg, args[1])
				}
				if err := s.LiveImport(cmd.Context(), uri.String(), cfg...); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "imported", uri)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageFrom, "stage-from", "", "copy the object's data files from this directory first")
	return cmd
}

// dataFilesOf lists the files in dir that back uri under the default
// naming convention.
func dataFilesOf(dir string, uri types.URI) ([]string, error) {
	switch uri.Kind {
	case types.KindFile:
		return []string{uri.Name}, nil
	case types.KindColGroup:
		return []string{types.DefaultSource(uri).Name}, nil
	case types.KindTable:
		var names []string
		if _, err := os.Stat(filepath.Join(dir, uri.Name+types.DataFileSuffix)); err == nil {
			names = append(names, uri.Name+types.DataFileSuffix)
		}
		groups, err := filepath.Glob(filepath.Join(dir, uri.Name+"_*"+types.DataFileSuffix))
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			names = append(names, filepath.Base(g))
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("%w: no data files for %s in %s", types.ErrFileMissing, uri, dir)
		}
		return names, nil
	}
	return nil, fmt.Errorf("%w: %s has no data files", types.ErrInvalidURI, uri)
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <uri>",
		Short: "Check the structure of an object's data files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *engine.Session) error {
				reports, err := s.Verify(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if a.json {
					return printJSON(cmd.OutOrStdout(), reports)
				}
				for _, r := range reports {
					fmt.Fprintln(cmd.OutOrStdout(), r)
				}
				return nil
			})
		},
	}
}

func newCheckpointCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Make every change durable and empty the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *engine.Session) error {
				if err := s.Checkpoint(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "checkpoint complete")
				return nil
			})
		},
	}
}

func newMetadataCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metadata [uri]",
		Short: "Print catalog entries",
		Long: `metadata prints each catalog entry as its URI and configuration text, in
URI order. The configuration of an entry can be passed to "cellar import" in
another database.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *engine.Session) error {
				entries, err := catalogEntries(s, optional(args, 0))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.json {
					m := make(map[string]string, len(entries))
					for _, e := range entries {
						m[e[0]] = e[1]
					}
					return printJSON(out, m)
				}
				for _, e := range entries {
					fmt.Fprintf(out, "%s\t%s\n", e[0], e[1])
				}
				return nil
			})
		},
	}
}

// catalogEntries returns URI and configuration pairs: all of them, or the
// one for uri.
func catalogEntries(s *engine.Session, uri string) ([][2]string, error) {
	if uri != "" {
		text, err := s.Metadata(uri)
		if err != nil {
			return nil, err
		}
		return [][2]string{{uri, text}}, nil
	}
	m, err := s.OpenMetadataCursor()
	if err != nil {
		return nil, err
	}
	defer m.Close()
	var out [][2]string
	for m.Next() == nil {
		out = append(out, [2]string{m.Key(), m.Value()})
	}
	return out, nil
}

func newPutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put <uri> <key> <value>...",
		Short: "Insert or replace a record",
		Long: `put stores a record. Key and value fields are given as text, one argument
per field of the object's key_format and value_format; a key with several
fields is separated by commas.`,
		Example: `  cellar put file:raw.wt 13 hello
  cellar put table:orders 1 widget 4 'rush order'`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *engine.Session) error {
				cur, err := s.OpenCursor(args[0])
				if err != nil {
					return err
				}
				defer cur.Close()
				key, err := cur.KeyFormat().FromStrings(strings.Split(args[1], ",")...)
				if err != nil {
					return fmt.Errorf("%w: key: %v", errUsage, err)
				}
				val, err := cur.ValueFormat().FromStrings(args[2:]...)
				if err != nil {
					return fmt.Errorf("%w: value: %v", errUsage, err)
				}
				return cur.Put(key, val)
			})
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <uri> <key>",
		Short: "Print a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *engine.Session) error {
				cur, err := s.OpenCursor(args[0])
				if err != nil {
					return err
				}
				defer cur.Close()
				key, err := cur.KeyFormat().FromStrings(strings.Split(args[1], ",")...)
				if err != nil {
					return fmt.Errorf("%w: key: %v", errUsage, err)
				}
				vals, err := cur.Get(key...)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.json {
					js := make([]any, len(vals))
					for i, v := range vals {
						js[i] = jsonValue(v)
					}
					return printJSON(out, js)
				}
				parts := make([]string, len(vals))
				for i, v := range vals {
					parts[i] = display(v)
				}
				fmt.Fprintln(out, strings.Join(parts, "\t"))
				return nil
			})
		},
	}
}

func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
