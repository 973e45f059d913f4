package workflow

import "content-orchestrator/internal/models"

// Builtin returns the workflows shipped with the service.
func Builtin() []models.WorkflowDefinition {
	return []models.WorkflowDefinition{
		businessInsights(),
		contentStrategy(),
		socialCampaign(),
	}
}

func businessInsights() models.WorkflowDefinition {
	return models.WorkflowDefinition{
		Name:           "business-insights",
		Description:    "Market read-out and prioritized insights for a business",
		Inputs:         []string{"businessName"},
		RetrievalQuery: "market position, customers and competitors of {{.businessName}}",
		Retrieval:      models.RetrievalSettings{TopK: 8},
		Steps: []models.StepDescriptor{
			{
				Name:           "market-analysis",
				Kind:           models.StepKindGenerate,
				Instruction:    "Analyze the market position of the business. Summarize it and list concrete opportunities.",
				RequiredInputs: []string{"businessName"},
				Produces:       []string{"marketSummary", "opportunities"},
				OutputSchema: map[string]interface{}{
					"properties": map[string]interface{}{
						"marketSummary": map[string]interface{}{"type": "string", "minLength": 1},
						"opportunities": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					},
				},
			},
			{
				Name:           "competitor-scan",
				Kind:           models.StepKindGenerate,
				Instruction:    "List the main competitors of the business with one line on each.",
				RequiredInputs: []string{"businessName"},
				Produces:       []string{"competitors"},
				Optional:       true,
			},
			{
				Name:             "insight-synthesis",
				Kind:             models.StepKindGenerate,
				Instruction:      "Turn the market summary and opportunities into prioritized, actionable insights.",
				RequiredInputs:   []string{"marketSummary", "opportunities"},
				Produces:         []string{"insights"},
				ConcurrencyGroup: 1,
				OutputSchema: map[string]interface{}{
					"properties": map[string]interface{}{
						"insights": map[string]interface{}{"type": "array", "minItems": 1},
					},
				},
			},
			{
				Name:             "insight-digest",
				Kind:             models.StepKindTransform,
				Transform:        "bullet-digest",
				RequiredInputs:   []string{"insights"},
				Produces:         []string{"digest"},
				Optional:         true,
				ConcurrencyGroup: 2,
			},
		},
	}
}

func contentStrategy() models.WorkflowDefinition {
	return models.WorkflowDefinition{
		Name:           "content-strategy",
		Description:    "Audience, content pillars and an editorial calendar",
		Inputs:         []string{"businessName", "industry"},
		RetrievalQuery: "{{.businessName}} {{.industry}} audience brand content",
		Steps: []models.StepDescriptor{
			{
				Name:           "audience-profile",
				Kind:           models.StepKindGenerate,
				Instruction:    "Describe the primary audience segments for the business, with their needs and channels.",
				RequiredInputs: []string{"businessName", "industry"},
				Produces:       []string{"audience"},
			},
			{
				Name:           "brand-voice",
				Kind:           models.StepKindGenerate,
				Instruction:    "Describe the brand voice in a few adjectives and one example sentence.",
				RequiredInputs: []string{"businessName"},
				Produces:       []string{"brandVoice"},
				Optional:       true,
			},
			{
				Name:             "content-pillars",
				Kind:             models.StepKindGenerate,
				Instruction:      "Propose three to five content pillars that serve the audience.",
				RequiredInputs:   []string{"audience"},
				Produces:         []string{"pillars"},
				ConcurrencyGroup: 1,
				OutputSchema: map[string]interface{}{
					"properties": map[string]interface{}{
						"pillars": map[string]interface{}{"type": "array", "minItems": 3, "maxItems": 5},
					},
				},
			},
			{
				Name:             "editorial-calendar",
				Kind:             models.StepKindGenerate,
				Instruction:      "Draft a four week editorial calendar that rotates through the pillars.",
				RequiredInputs:   []string{"pillars"},
				Produces:         []string{"calendar"},
				ConcurrencyGroup: 2,
			},
			{
				Name:             "strategy-outline",
				Kind:             models.StepKindTransform,
				Transform:        "strategy-outline",
				RequiredInputs:   []string{"audience", "pillars"},
				Produces:         []string{"outline"},
				ConcurrencyGroup: 2,
			},
		},
	}
}

func socialCampaign() models.WorkflowDefinition {
	return models.WorkflowDefinition{
		Name:        "social-campaign",
		Description: "Campaign brief, platform posts and hashtags",
		Inputs:      []string{"businessName", "platforms"},
		Retrieval:   models.RetrievalSettings{Categories: []string{"brand", "marketing"}},
		Steps: []models.StepDescriptor{
			{
				Name:           "campaign-brief",
				Kind:           models.StepKindGenerate,
				Instruction:    "Write a short campaign brief: goal, audience, key message and call to action.",
				RequiredInputs: []string{"businessName"},
				Produces:       []string{"brief"},
			},
			{
				Name:             "post-drafts",
				Kind:             models.StepKindGenerate,
				Instruction:      "Draft one post per platform that delivers the brief's key message.",
				RequiredInputs:   []string{"brief", "platforms"},
				Produces:         []string{"posts"},
				ConcurrencyGroup: 1,
				OutputSchema: map[string]interface{}{
					"properties": map[string]interface{}{
						"posts": map[string]interface{}{"type": "array", "minItems": 1},
					},
				},
			},
			{
				Name:             "hashtag-set",
				Kind:             models.StepKindGenerate,
				Instruction:      "Suggest up to ten hashtags for the campaign.",
				RequiredInputs:   []string{"brief"},
				Produces:         []string{"hashtags"},
				Optional:         true,
				ConcurrencyGroup: 1,
			},
			{
				Name:             "campaign-package",
				Kind:             models.StepKindTransform,
				Transform:        "campaign-package",
				RequiredInputs:   []string{"posts", "platforms"},
				Produces:         []string{"campaign"},
				ConcurrencyGroup: 2,
			},
		},
	}
}
