package store

import "encoding/json"

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalMap(b []byte) map[string]interface{} {
	if len(b) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func unmarshalInto(b []byte, v interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func unmarshalStrings(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var s []string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	return s
}
