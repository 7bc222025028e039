package dispatch

import (
	"fmt"

	"github.com/ChuLiYu/forgebatch/internal/genclient"
	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// SubmissionBuilder maps a task payload to the wire-format job document.
// Implementations decide per workflow kind which parameters are legal
// and what the defaults are.
type SubmissionBuilder interface {
	// Build validates the payload and produces the submission document.
	// Malformed payloads come back as *types.ValidationError; those
	// tasks fail permanently without consuming retries.
	Build(payload types.TaskPayload) (genclient.Submission, error)
}

// Parameter defaults shared by all workflow kinds.
const (
	defaultWidth     = 1024
	defaultHeight    = 1024
	defaultSteps     = 20
	defaultCFG       = 7.0
	defaultSampler   = "euler"
	defaultScheduler = "normal"
	defaultSeed      = -1 // service picks a random seed
	defaultDenoise   = 0.75
	defaultUpscaleBy = 2.0
)

// paramRule is one numeric parameter with its legal range.
type paramRule struct {
	key      string
	min, max float64
	def      float64
	integer  bool
}

// Rules shared by every workflow kind; per-kind extras below.
var commonRules = []paramRule{
	{key: "width", min: 64, max: 4096, def: defaultWidth, integer: true},
	{key: "height", min: 64, max: 4096, def: defaultHeight, integer: true},
	{key: "steps", min: 1, max: 150, def: defaultSteps, integer: true},
	{key: "cfg", min: 0, max: 30, def: defaultCFG},
}

var kindRules = map[types.WorkflowKind][]paramRule{
	types.WorkflowTxt2Img: {},
	types.WorkflowImg2Img: {
		{key: "denoise", min: 0, max: 1, def: defaultDenoise},
	},
	types.WorkflowUpscale: {
		{key: "upscale_by", min: 1, max: 8, def: defaultUpscaleBy},
	},
}

// StandardBuilder is the default table-driven builder.
type StandardBuilder struct{}

// NewStandardBuilder returns the default builder.
func NewStandardBuilder() *StandardBuilder {
	return &StandardBuilder{}
}

// Build validates the payload against the rule table for its workflow
// kind and produces the submission document with defaults filled in.
func (b *StandardBuilder) Build(payload types.TaskPayload) (genclient.Submission, error) {
	if payload.Prompt == "" {
		return nil, &types.ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	rules, ok := kindRules[payload.Workflow]
	if !ok || !payload.Workflow.Valid() {
		return nil, &types.ValidationError{
			Field:  "workflow",
			Reason: fmt.Sprintf("unknown workflow kind %q", payload.Workflow),
		}
	}

	sub := genclient.Submission{
		"workflow":        string(payload.Workflow),
		"prompt":          payload.Prompt,
		"negative_prompt": payload.NegativePrompt,
		"sampler_name":    defaultSampler,
		"scheduler":       defaultScheduler,
		"seed":            defaultSeed,
	}

	for _, rule := range append(commonRules, rules...) {
		val, err := resolveParam(payload.Params, rule)
		if err != nil {
			return nil, err
		}
		sub[rule.key] = val
	}

	// Pass through non-numeric overrides the rule table does not own
	if sampler, ok := stringParam(payload.Params, "sampler_name"); ok {
		sub["sampler_name"] = sampler
	}
	if scheduler, ok := stringParam(payload.Params, "scheduler"); ok {
		sub["scheduler"] = scheduler
	}
	if seed, ok := numParam(payload.Params, "seed"); ok {
		sub["seed"] = int64(seed)
	}

	if payload.Workflow == types.WorkflowImg2Img || payload.Workflow == types.WorkflowUpscale {
		src, ok := stringParam(payload.Params, "source_image")
		if !ok || src == "" {
			return nil, &types.ValidationError{Field: "source_image", Reason: "required for " + string(payload.Workflow)}
		}
		sub["source_image"] = src
	}

	return sub, nil
}

// resolveParam applies one rule: default when absent, range check when present.
func resolveParam(params map[string]any, rule paramRule) (any, error) {
	val, ok := numParam(params, rule.key)
	if !ok {
		if rule.integer {
			return int(rule.def), nil
		}
		return rule.def, nil
	}
	if val < rule.min || val > rule.max {
		return nil, &types.ValidationError{
			Field:  rule.key,
			Reason: fmt.Sprintf("%v out of range [%v, %v]", val, rule.min, rule.max),
		}
	}
	if rule.integer {
		return int(val), nil
	}
	return val, nil
}

// numParam reads a numeric parameter regardless of its concrete Go type
// (payloads round-trip through JSON, so ints arrive as float64).
func numParam(params map[string]any, key string) (float64, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func stringParam(params map[string]any, key string) (string, bool) {
	raw, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}
