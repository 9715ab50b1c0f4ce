package cluster

import (
	"bytes"
	"encoding/gob"

	"github.com/klauspost/compress/s2"

	"github.com/tinode/gatesess/session"
)

// compressSessions gob-encodes then s2-compresses a session enumeration
// batch before it goes out over net/rpc. A node's session.SessionInfo
// listing can run into the thousands of entries; compressing it here keeps
// Contract.Sessions calls cheap across a WAN link the way
// github.com/tinode/chat keeps cluster traffic lean by only ever sending
// deltas (cluster.go rehash/ClusterSessUpdate), just applied to a bulk
// payload instead.
func compressSessions(infos []session.RemoteSessionInfo) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(infos); err != nil {
		return nil, err
	}
	return s2.Encode(nil, buf.Bytes()), nil
}

func decompressSessions(data []byte) ([]session.RemoteSessionInfo, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := s2.Decode(nil, data)
	if err != nil {
		return nil, err
	}
	var infos []session.RemoteSessionInfo
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&infos); err != nil {
		return nil, err
	}
	return infos, nil
}
