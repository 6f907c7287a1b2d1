package inventory

import "encoding/json"

func metadataJSON(meta map[string]any) any {
	if len(meta) == 0 {
		return nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return data
}

func decodeMetadata(data []byte) map[string]any {
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return meta
}
