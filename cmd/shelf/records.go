package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/shelf/pkg/schema"
	"github.com/celerix-dev/shelf/pkg/sdk"
	"github.com/celerix-dev/shelf/pkg/shelf"
)

func envAddr() string {
	return os.Getenv(sdk.AddrEnv)
}

func openNotes() (*shelf.Store[string, *schema.Note], error) {
	return schema.OpenNotes(shelf.Config[*schema.Note]{
		Location: storeLocation(),
		Codec:    newCodec(),
		Logger:   logger,
	})
}

func openCounters() (*shelf.Store[string, *schema.Counter], error) {
	return schema.OpenCounters(shelf.Config[*schema.Counter]{
		Location: storeLocation(),
		Codec:    newCodec(),
		Logger:   logger,
	})
}

func notesCmd() *cobra.Command {
	notes := &cobra.Command{
		Use:   "notes",
		Short: "Manage notes indexed by tag and parent",
	}

	var tags []string
	var parent string
	add := &cobra.Command{
		Use:   "add <title> [body]",
		Short: "Create a note and print its ID",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openNotes()
			if err != nil {
				return err
			}
			defer s.Close()
			n := schema.NewNote(args[0], tags...)
			n.Parent = parent
			if len(args) == 2 {
				n.Body = args[1]
			}
			if _, err := s.Save(n); err != nil {
				return err
			}
			fmt.Println(n.ID)
			return nil
		},
	}
	add.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tag (repeatable)")
	add.Flags().StringVar(&parent, "parent", "", "parent note ID")

	var byTag, byParent string
	list := &cobra.Command{
		Use:   "list",
		Short: "List notes, optionally by tag or parent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openNotes()
			if err != nil {
				return err
			}
			defer s.Close()
			var out []*schema.Note
			switch {
			case byTag != "" && byParent != "":
				return fmt.Errorf("--tag and --parent are exclusive")
			case byTag != "":
				tag := schema.NormalizeTags([]string{byTag})
				if len(tag) == 0 {
					return fmt.Errorf("empty tag")
				}
				out, err = s.ScanIndex(schema.IndexTag, tag[0])
			case byParent != "":
				out, err = s.Children(schema.IndexParent, byParent)
			default:
				out, err = s.Scan(nil)
			}
			if err != nil {
				return err
			}
			if out == nil {
				out = []*schema.Note{}
			}
			printJSON(out)
			return nil
		},
	}
	list.Flags().StringVarP(&byTag, "tag", "t", "", "only notes with this tag")
	list.Flags().StringVar(&byParent, "parent", "", "only children of this note")

	var addTags, removeTags []string
	var title string
	edit := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a note's title or tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openNotes()
			if err != nil {
				return err
			}
			defer s.Close()
			n, err := s.Update(args[0], shelf.WithMutator(func(n *schema.Note) (*schema.Note, error) {
				if title != "" {
					n.Title = title
				}
				drop := map[string]bool{}
				for _, t := range schema.NormalizeTags(removeTags) {
					drop[t] = true
				}
				var kept []string
				for _, t := range append(n.Tags, addTags...) {
					if !drop[t] {
						kept = append(kept, t)
					}
				}
				n.Tags = schema.NormalizeTags(kept)
				n.UpdatedAt = time.Now().UTC()
				return nil, nil
			}))
			if err != nil {
				return err
			}
			printJSON(n)
			return nil
		},
	}
	edit.Flags().StringVar(&title, "title", "", "new title")
	edit.Flags().StringSliceVar(&addTags, "add-tag", nil, "tag to add (repeatable)")
	edit.Flags().StringSliceVar(&removeTags, "remove-tag", nil, "tag to remove (repeatable)")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openNotes()
			if err != nil {
				return err
			}
			defer s.Close()
			deleted, err := s.Delete(args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("note %s: %w", args[0], shelf.ErrNotFound)
			}
			fmt.Println("OK")
			return nil
		},
	}

	notes.AddCommand(add, list, edit, rm)
	return notes
}

func counterCmd() *cobra.Command {
	counter := &cobra.Command{
		Use:   "counter",
		Short: "Named counters updated under the store lock",
	}

	var by int64
	incr := &cobra.Command{
		Use:   "incr <name>",
		Short: "Add to a counter and print the new value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openCounters()
			if err != nil {
				return err
			}
			defer s.Close()
			v, err := schema.Increment(s, args[0], by)
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}
	incr.Flags().Int64Var(&by, "by", 1, "amount to add")

	get := &cobra.Command{
		Use:   "get <name>",
		Short: "Print a counter, 0 when it does not exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openCounters()
			if err != nil {
				return err
			}
			defer s.Close()
			c, err := s.LoadOr(args[0], &schema.Counter{Name: args[0]})
			if err != nil {
				return err
			}
			fmt.Println(strconv.FormatInt(c.Value, 10))
			return nil
		},
	}

	counter.AddCommand(incr, get)
	return counter
}
