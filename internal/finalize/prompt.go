package finalize

import (
	"fmt"
	"strings"

	"github.com/ent0n29/rxdictate/internal/store"
	"github.com/ent0n29/rxdictate/internal/textgen"
)

// ItemColumns is the fixed column order of the prescribed-items table.
var ItemColumns = []string{"item", "molecule", "dose", "frequency", "duration"}

const formattingRules = `Formatting rules:
- Output HTML only, using p, h3, ul, ol, li, strong, em, table, thead, tbody, tr, th and td.
- Emit a section header only when that section has content.
- Render prescribed items as a table with exactly these columns in order: Item, Molecule, Dose, Frequency, Duration.
- Keep brand and product names exactly as dictated and wrap each one in <strong>.
- Do not add speculative, parenthetical or explanatory commentary.
- Do not wrap the output in code fences.`

// buildScribePrompt renders the note-drafting prompt. An empty context asks
// for a fresh note, otherwise the dictation is merged into the existing one.
func buildScribePrompt(transcript, noteContext string, macros []store.Macro) string {
	var b strings.Builder
	b.WriteString("You are a clinical scribe turning a doctor's dictation into a prescription note.\n\n")

	if strings.TrimSpace(noteContext) == "" {
		b.WriteString("Create a new note with these sections: Patient Details, Diagnosis, Prescribed Items, Advice.\n\n")
	} else {
		b.WriteString("Merge the new dictation into the existing note:\n")
		b.WriteString("- New items or findings are appended to the matching section.\n")
		b.WriteString("- An explicit change to an item already in the note updates that item in place.\n")
		b.WriteString("- An explicit removal deletes that item.\n")
		b.WriteString("- Everything not mentioned stays as it is.\n\n")
		b.WriteString("Existing note:\n<<<\n")
		b.WriteString(noteContext)
		b.WriteString("\n>>>\n\n")
	}

	writeMacros(&b, macros)

	b.WriteString("New dictation:\n<<<\n")
	b.WriteString(transcript)
	b.WriteString("\n>>>\n\n")
	b.WriteString(formattingRules)
	return b.String()
}

func writeMacros(b *strings.Builder, macros []store.Macro) {
	if len(macros) == 0 {
		return
	}
	b.WriteString("Macros. When a trigger phrase is spoken, insert its expansion. If the spoken content conflicts with an expansion, the spoken content wins.\n")
	for _, m := range macros {
		trigger := strings.TrimSpace(m.Trigger)
		if trigger == "" {
			continue
		}
		fmt.Fprintf(b, "- %q => %s\n", trigger, strings.TrimSpace(m.Expansion))
	}
	b.WriteString("\n")
}

func buildReviewPrompt(note string) string {
	var b strings.Builder
	b.WriteString("Review this prescription note for correctness and safety. ")
	b.WriteString("Fix spelling of drug names, inconsistent doses, units and formatting. ")
	b.WriteString("Do not add any new medical content, diagnoses or items.\n\n")
	b.WriteString("Note:\n<<<\n")
	b.WriteString(note)
	b.WriteString("\n>>>\n\n")
	b.WriteString(formattingRules)
	return b.String()
}

func buildFormatPrompt(note string) string {
	var b strings.Builder
	b.WriteString("Normalize this prescription note into the standard layout without changing its medical content. ")
	b.WriteString("Return a JSON object with an \"html\" field holding the note and an \"items\" array listing every prescribed item ")
	b.WriteString("with the fields item, molecule, dose, frequency and duration. Use an empty string for unknown fields.\n\n")
	b.WriteString("Note:\n<<<\n")
	b.WriteString(note)
	b.WriteString("\n>>>\n\n")
	b.WriteString(formattingRules)
	return b.String()
}

// formatSchema declares the structured breakdown returned by Format.
func formatSchema() *textgen.Schema {
	itemProps := make(map[string]any, len(ItemColumns))
	for _, col := range ItemColumns {
		itemProps[col] = map[string]any{"type": "string"}
	}
	return &textgen.Schema{
		Name: "formatted_note",
		Definition: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required":             []string{"html", "items"},
			"properties": map[string]any{
				"html": map[string]any{"type": "string"},
				"items": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":                 "object",
						"additionalProperties": false,
						"required":             ItemColumns,
						"properties":           itemProps,
					},
				},
			},
		},
	}
}
