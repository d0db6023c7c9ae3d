package broker

import "github.com/broker/llmbroker/internal/brokererrors"

// ParseCandidates turns a decoded JSON target value into the candidate list
// Dispatch understands: a bare string names a model for defaultProvider; an
// object is {provider, model}; an array is taken verbatim as a list of such
// objects.
func ParseCandidates(raw any, defaultProvider string) ([]Candidate, error) {
	switch v := raw.(type) {
	case nil:
		return nil, brokererrors.New(brokererrors.TypeInvalidRequest, "model target is required")
	case string:
		if v == "" {
			return nil, brokererrors.New(brokererrors.TypeInvalidRequest, "model target must not be empty")
		}
		return []Candidate{{Provider: defaultProvider, Model: v}}, nil
	case map[string]any:
		c, err := parseCandidateObject(v)
		if err != nil {
			return nil, err
		}
		return []Candidate{c}, nil
	case []any:
		candidates := make([]Candidate, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, brokererrors.New(brokererrors.TypeInvalidRequest, "model target list entries must be objects")
			}
			c, err := parseCandidateObject(obj)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, c)
		}
		if len(candidates) == 0 {
			return nil, brokererrors.New(brokererrors.TypeInvalidRequest, "model target list must not be empty")
		}
		return candidates, nil
	default:
		return nil, brokererrors.New(brokererrors.TypeInvalidRequest, "unrecognized model target shape")
	}
}

func parseCandidateObject(obj map[string]any) (Candidate, error) {
	provider, _ := obj["provider"].(string)
	model, _ := obj["model"].(string)
	if model == "" {
		return Candidate{}, brokererrors.New(brokererrors.TypeInvalidRequest, "model target object missing model")
	}
	if provider == "" {
		return Candidate{}, brokererrors.New(brokererrors.TypeInvalidRequest, "model target object missing provider")
	}
	return Candidate{Provider: provider, Model: model}, nil
}
