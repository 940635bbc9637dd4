package openai

import (
	"fmt"
	"strings"

	"github.com/parleyai/parley/core"
)

type modelProfile struct {
	UseMaxCompletionTokens bool
	AllowTemperature       bool
	AllowTopP              bool
}

func defaultProfile() modelProfile {
	return modelProfile{AllowTemperature: true, AllowTopP: true}
}

// Reasoning model families manage sampling themselves and reject the
// corresponding parameters outright, so they are dropped with a warning
// instead of forwarded.
var reasoningProfile = modelProfile{
	UseMaxCompletionTokens: true,
	AllowTemperature:       false,
	AllowTopP:              false,
}

func profileForModel(model string) modelProfile {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-5"):
		return reasoningProfile
	case strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return reasoningProfile
	default:
		return defaultProfile()
	}
}

func warnDroppedParam(field, model, reason string) core.Warning {
	return core.Warning{
		Code:    "param_dropped",
		Field:   field,
		Message: fmt.Sprintf("%s ignored for model %s (%s)", field, model, reason),
	}
}

// profileWarnings reports which sampling parameters the profile will drop.
// BuildRequest applies the same profile, so the warnings and the payload
// always agree.
func profileWarnings(req core.Request, model string) []core.Warning {
	profile := profileForModel(model)
	var warnings []core.Warning
	if req.Temperature != 0 && !profile.AllowTemperature {
		warnings = append(warnings, warnDroppedParam("temperature", model, "temperature is managed automatically"))
	}
	if req.TopP != 0 && !profile.AllowTopP {
		warnings = append(warnings, warnDroppedParam("top_p", model, "top_p is not supported"))
	}
	if req.TopK != 0 {
		warnings = append(warnings, warnDroppedParam("top_k", model, "top_k is not supported"))
	}
	return warnings
}
