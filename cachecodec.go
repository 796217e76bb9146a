package agentdb

import "encoding/json"

// encodeScoredRecords / decodeScoredRecords serialize a search result list
// to the opaque byte form qcache.Cache stores, keeping the cache package
// itself free of any knowledge of the result type it holds.
func encodeScoredRecords(results []ScoredRecord) ([]byte, error) {
	return json.Marshal(results)
}

func decodeScoredRecords(data []byte) ([]ScoredRecord, error) {
	var out []ScoredRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
