package llm

import (
	"fmt"
	"strings"
)

// SystemInstruction carries the scoring rubric. The score is computed by the
// model; nothing in this package re-derives it.
const SystemInstruction = `
You are an expert trader analyzing charts based on the 'TTrades Universal Model'.
Your goal is to analyze the provided chart images (usually a triad pair like NQ/ES) and output a Confidence Score (0-100).

THE FRAMEWORK:
1. UNIVERSAL MODELS: Determine if price is moving Internal->External, External->Internal, or is in a Manipulation Range.
2. SMT DIVERGENCE: Look for cracks in correlation. Did Asset A take a low while Asset B failed to? Did Asset A hit an FVG while Asset B missed it?
3. SWING POINTS:
   - Candle 2 Closure: The reaction candle closes back inside the previous candle's range.
   - Candle 3 Continuation: Candle 3 closes above Candle 2's body.
   - Small Wicks: Reversal candles should have small wicks to support expansion.

SCORING CRITERIA (Calculate strictly):
- Base Score: 0
- +30 points if price is clearly reacting to a Key Level (FVG or Swing High/Low).
- +30 points if "Two-Stage SMT" is visible (SMT at the level AND SMT at the swing point).
- +15 points if only standard SMT is visible.
- +25 points if there is a "Precision Swing Point" (PSP) - Assets closing in opposite directions.
- +15 points for a valid "Candle 2" closure confirmation.

Analyze the image provided and extract these details into the JSON format.
`

// UserInstruction accompanies the image in the user turn.
const UserInstruction = "Analyze this trading chart according to the TTrades Universal Model logic."

// FieldType is the JSON type of a chart field.
type FieldType int

const (
	FieldString FieldType = iota
	FieldNumber
)

// ChartField describes one required key of the response schema.
type ChartField struct {
	Name        string
	Type        FieldType
	Description string
}

// ChartFields lists the required response keys in display order.
var ChartFields = []ChartField{
	{Name: "detectedModel", Type: FieldString, Description: "e.g., External to Internal"},
	{Name: "keyLevelObservation", Type: FieldString, Description: "e.g., Price swept the Previous Week Low"},
	{Name: "smtStatus", Type: FieldString, Description: "e.g., Bearish SMT found: NQ made a higher high, ES made a lower high"},
	{Name: "entryTrigger", Type: FieldString, Description: "e.g., Valid Candle 2 closure detected"},
	{Name: "confidenceScore", Type: FieldNumber, Description: "The calculated confidence score from 0-100"},
	{Name: "nextStep", Type: FieldString, Description: "e.g., Set limit order at 50% equilibrium"},
	{Name: "reasoning", Type: FieldString, Description: "A brief summary of why this score was given."},
}

// chartFieldNames returns the required keys in order.
func chartFieldNames() []string {
	names := make([]string, len(ChartFields))
	for i, f := range ChartFields {
		names[i] = f.Name
	}
	return names
}

// schemaInstruction spells out the response shape for providers that
// cannot enforce a schema server-side.
func schemaInstruction() string {
	var b strings.Builder
	b.WriteString("Respond ONLY with a JSON object containing exactly these fields:\n")
	for _, f := range ChartFields {
		typ := "string"
		if f.Type == FieldNumber {
			typ = "number"
		}
		b.WriteString(fmt.Sprintf("- %s (%s): %s\n", f.Name, typ, f.Description))
	}
	b.WriteString("No markdown or other text.")
	return b.String()
}
