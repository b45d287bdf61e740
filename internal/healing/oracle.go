package healing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JaimeStill/mend/internal/schema"
	"github.com/JaimeStill/mend/pkg/formatting"
	"github.com/JaimeStill/mend/pkg/record"
)

// Oracle is the external text-completion capability consumed by the last
// correction tier. Implementations receive a free-text prompt and return
// free text expected to contain a JSON object.
type Oracle interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// buildPrompt renders the errors, the table's live schema, and the
// candidate record for the oracle.
func buildPrompt(table string, ts *schema.TableSchema, data record.Record, errs []schema.ValidationError) (string, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}

	var b strings.Builder

	fmt.Fprintf(&b, "A database record for table %q failed schema validation.\n\n", table)

	b.WriteString("Table schema:\n")
	for _, col := range ts.Columns {
		nullable := "not null"
		if col.Nullable {
			nullable = "nullable"
		}
		def := ""
		if col.HasDefault {
			def = ", has default"
		}
		fmt.Fprintf(&b, "  - %s: %s (%s%s)\n", col.Name, col.Type, nullable, def)
	}

	b.WriteString("\nValidation errors:\n")
	for _, e := range errs {
		fmt.Fprintf(&b, "  - %s\n", e.Error())
		if e.Suggestion != "" {
			fmt.Fprintf(&b, "    suggestion: %s\n", e.Suggestion)
		}
	}

	fmt.Fprintf(&b, "\nRecord:\n%s\n\n", encoded)

	b.WriteString("Return ONLY the corrected record as a single JSON object. ")
	b.WriteString("Use only columns that exist in the schema, preserve the ")
	b.WriteString("original data values wherever possible, and supply values ")
	b.WriteString("for required columns that are missing.")

	return b.String(), nil
}

// parseCorrection extracts a record from the oracle's free-text response,
// tolerating markdown fences and surrounding prose.
func parseCorrection(response string) (record.Record, error) {
	return formatting.Parse[record.Record](response)
}
