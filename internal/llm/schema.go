package llm

import (
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// Stage output schemas. These are handed to the model as response
// constraints and reused to sanity-check whatever comes back. Adding a
// stage means adding a descriptor here plus a prompt template in agents.go.

var IdeaBriefSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"niche":             {Type: genai.TypeString},
		"targetCustomer":    {Type: genai.TypeString},
		"coreProblem":       {Type: genai.TypeString},
		"solutionPromise":   {Type: genai.TypeString},
		"monetizationModel": {Type: genai.TypeString},
		"channels":          {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"risks":             {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"nextQuestions":     {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"niche", "targetCustomer", "coreProblem", "solutionPromise", "monetizationModel"},
}

var ResearchReportSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"summary":       {Type: genai.TypeString},
		"demandSignals": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"competitors": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"name":        {Type: genai.TypeString},
					"positioning": {Type: genai.TypeString},
					"notes":       {Type: genai.TypeString},
				},
			},
		},
		"pricingBenchmarks":   {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"viabilityScore":      {Type: genai.TypeNumber},
		"risks":               {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"recommendedNextMove": {Type: genai.TypeString},
	},
	Required: []string{"summary", "viabilityScore"},
}

var BrandKitSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"nameOptions":          {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"taglines":             {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"positioningStatement": {Type: genai.TypeString},
		"voice": {
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"tone": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
				"do":   {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
				"dont": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
			},
		},
		"messagingPillars": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"pillar": {Type: genai.TypeString},
					"proof":  {Type: genai.TypeString},
				},
			},
		},
		"basicVisualDirection": {Type: genai.TypeString},
	},
	Required: []string{"nameOptions", "positioningStatement"},
}

// CheckRequired verifies the top-level required fields of a schema are
// present and non-empty in a parsed payload. The hosted model's constrained
// mode should already enforce this; the check catches the cases where it
// does not.
func CheckRequired(schema *genai.Schema, raw json.RawMessage) error {
	if schema == nil || len(schema.Required) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("payload is not a JSON object: %w", err)
	}
	for _, key := range schema.Required {
		val, ok := obj[key]
		if !ok {
			return fmt.Errorf("required field %q missing", key)
		}
		s := string(val)
		if s == "null" || s == `""` || s == "[]" {
			return fmt.Errorf("required field %q is empty", key)
		}
	}
	return nil
}
