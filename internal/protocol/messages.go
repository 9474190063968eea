package protocol

// ServerListType tags a ServerList message: a full snapshot for members that
// have never been updated, or an incremental delta stamped with one cluster
// version.
type ServerListType uint8

const (
	FullList ServerListType = iota
	Update
)

// ServerListEntry is the wire form of one membership record. Entries are
// emitted in slot order; recipients apply them in order so that the removal
// of a replaced server id is always seen before the addition of its
// replacement.
type ServerListEntry struct {
	Services        uint32       `json:"services"`
	ServerID        ServerId     `json:"server_id"`
	ServiceLocator  string       `json:"service_locator"`
	Status          ServerStatus `json:"status"`
	ExpectedReadMBs uint32       `json:"expected_read_mbytes_per_sec"`
	ReplicationID   uint64       `json:"replication_id"`
}

// ServerList is the membership payload propagated to cluster members.
type ServerList struct {
	Version uint64            `json:"version_number"`
	Type    ServerListType    `json:"type"`
	Servers []ServerListEntry `json:"server"`
}

type EnlistRequest struct {
	ReplacesID     ServerId `json:"replaces_id"`
	Services       uint32   `json:"services"`
	ReadSpeed      uint32   `json:"read_speed"`
	ServiceLocator string   `json:"service_locator"`
}

type EnlistResponse struct {
	ServerID ServerId `json:"server_id"`
	Error    string   `json:"error,omitempty"`
}

type HintServerDownRequest struct {
	ServerID ServerId `json:"server_id"`
}

type HintServerDownResponse struct {
	Down  bool   `json:"down"`
	Error string `json:"error,omitempty"`
}

type SetRecoveryInfoRequest struct {
	ServerID     ServerId `json:"server_id"`
	RecoveryInfo []byte   `json:"master_recovery_info"`
}

type SetRecoveryInfoResponse struct {
	Error string `json:"error,omitempty"`
}

type GetServerListRequest struct {
	Services uint32 `json:"services"`
}

type GetServerListResponse struct {
	List  ServerList `json:"list"`
	Error string     `json:"error,omitempty"`
}

type LocateTableRequest struct {
	TableID uint64 `json:"table_id"`
}

type LocateTableResponse struct {
	ServerID ServerId `json:"server_id"`
	Error    string   `json:"error,omitempty"`
}

// UpdateResponse acknowledges a /membership/update RPC with the version the
// member is now at. ServerNotUp is reported when the target is shutting down.
type UpdateResponse struct {
	Version     uint64 `json:"version"`
	ServerNotUp bool   `json:"server_not_up,omitempty"`
	Error       string `json:"error,omitempty"`
}

type PingRequest struct {
	CallerID ServerId `json:"caller_id"`
}

type PingResponse struct {
	ServerID ServerId `json:"server_id"`
}

type BackupWriteRequest struct {
	MasterID  ServerId `json:"master_id"`
	SegmentID uint64   `json:"segment_id"`
	Data      []byte   `json:"data"`
}

type BackupWriteResponse struct {
	Error string `json:"error,omitempty"`
}

type BackupReadRequest struct {
	MasterID  ServerId `json:"master_id"`
	SegmentID uint64   `json:"segment_id"`
}

type BackupReadResponse struct {
	Data  []byte `json:"data"`
	Error string `json:"error,omitempty"`
}

type BackupFreeRequest struct {
	MasterID ServerId `json:"master_id"`
}

type BackupFreeResponse struct {
	Freed int    `json:"freed"`
	Error string `json:"error,omitempty"`
}
