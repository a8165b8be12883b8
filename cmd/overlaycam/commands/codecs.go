package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/OverlayCam/internal/encoder"
)

var codecsCmd = &cobra.Command{
	Use:   "codecs",
	Short: "List codecs and the encoder element used for each",
	Example: `  overlaycam codecs
  overlaycam codecs --format json`,
	RunE: runCodecs,
}

var codecsFormat string

func init() {
	rootCmd.AddCommand(codecsCmd)
	codecsCmd.Flags().StringVarP(&codecsFormat, "format", "f", "table", "output format (table or json)")
}

func runCodecs(cmd *cobra.Command, args []string) error {
	available := encoder.Available()

	switch codecsFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(available)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tCODEC\tMIME\tELEMENT")
		for _, a := range available {
			element := a.Element
			if !a.Available {
				element = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Kind, a.Codec, a.MIME, element)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", codecsFormat)
	}
}
