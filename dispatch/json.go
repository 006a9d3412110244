package dispatch

import "encoding/json"

// jsonRoundTrip converts decoded wire maps into typed structs. Slow path
// only: in-process calls never hit it.
func jsonRoundTrip(src, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
