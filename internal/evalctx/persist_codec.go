package evalctx

import "encoding/json"

func encodePersistentEntry(e persistentEntry) []byte {
	raw, _ := json.Marshal(e)
	return raw
}

func decodePersistentEntry(raw []byte) (persistentEntry, error) {
	var e persistentEntry
	err := json.Unmarshal(raw, &e)
	return e, err
}
