package media

import "fmt"

// cameraMap validates the facing mode keys of a configured camera table.
func cameraMap(devices map[string]string) (map[FacingMode]string, error) {
	out := make(map[FacingMode]string, len(devices))
	for k, v := range devices {
		facing, err := ParseFacingMode(k)
		if err != nil {
			return nil, err
		}
		if v == "" {
			return nil, fmt.Errorf("empty camera device for facing mode %q", k)
		}
		out[facing] = v
	}
	return out, nil
}
