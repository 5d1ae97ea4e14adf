package domain

// StateChange is one key whose value differs after a state merge.
type StateChange struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// IsScalar reports whether v is an accepted user state value: string,
// number, boolean or null.
func IsScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	default:
		return false
	}
}
