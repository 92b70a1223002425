package utils

// ClaimStrings reads a list-valued token claim. Decoded JSON arrives as []any, a
// single value as a bare string; non-string members are skipped.
func ClaimStrings(v any) []string {
	switch v := v.(type) {
	case []string:
		return v
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
