package channel

import "github.com/fako1024/skalekit/pkg/scale"

func requireBool(args map[string]interface{}, key string) (bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return false, scale.NewError(scale.CodeInvalidArgument, "`%s` is required", key)
	}

	b, ok := v.(bool)
	if !ok {
		return false, scale.NewError(scale.CodeInvalidArgument, "`%s` must be a boolean, got %T", key, v)
	}

	return b, nil
}

func requireString(args map[string]interface{}, key string) (string, error) {
	s, ok, err := optionalString(args, key)
	if err != nil {
		return "", err
	}
	if !ok || s == "" {
		return "", scale.NewError(scale.CodeInvalidArgument, "`%s` is required", key)
	}

	return s, nil
}

func optionalString(args map[string]interface{}, key string) (string, bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false, nil
	}

	s, ok := v.(string)
	if !ok {
		return "", false, scale.NewError(scale.CodeInvalidArgument, "`%s` must be a string, got %T", key, v)
	}

	return s, true, nil
}
