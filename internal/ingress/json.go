package ingress

import (
	"encoding/json"
	"io"
)

func writeJSONBody(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
