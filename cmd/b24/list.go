package main

import (
	"encoding/json"
	"iter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newListCommand(v *viper.Viper) *cobra.Command {
	var (
		paramsJSON string
		byID       bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list METHOD [KEY=VALUE...]",
		Short: "Read every item of a list method as JSON lines",
		Example: `  b24 list crm.deal.list --params '{"select":["ID","TITLE"]}'
  b24 list crm.contact.list --by-id --limit 500`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(paramsJSON, args[1:])
			if err != nil {
				return err
			}

			sess, err := openSession(cmd.Context(), readSettings(v))
			if err != nil {
				return err
			}
			defer sess.Close()

			var items iter.Seq2[json.RawMessage, error]
			if byID {
				items = sess.core.ItemsByID(cmd.Context(), args[0], params)
			} else {
				items = sess.core.Items(cmd.Context(), args[0], params)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			written := 0
			for item, err := range items {
				if err != nil {
					return err
				}
				if err := enc.Encode(item); err != nil {
					return err
				}
				written++
				if limit > 0 && written >= limit {
					break
				}
			}
			sess.logger.Debug().Str("method", args[0]).Int("items", written).Msg("List written")
			return nil
		},
	}

	cmd.Flags().StringVarP(&paramsJSON, "params", "p", "", "method parameters as a JSON object")
	cmd.Flags().BoolVar(&byID, "by-id", false, "walk the collection by ID filter instead of offsets")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many items (0 reads all)")
	return cmd
}
