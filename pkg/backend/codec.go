package backend

import "encoding/json"

func marshalManifest(m blobManifest) ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalManifest(data []byte) (blobManifest, error) {
	var m blobManifest
	err := json.Unmarshal(data, &m)
	return m, err
}

func marshalLock(r lockRecord) ([]byte, error) {
	return json.Marshal(r)
}

func unmarshalLock(data []byte) (lockRecord, error) {
	var r lockRecord
	err := json.Unmarshal(data, &r)
	return r, err
}
