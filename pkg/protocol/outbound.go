package protocol

// Payloads sent by the server.

type PrivateDelivery struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver,omitempty"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

type GroupDelivery struct {
	Sender    string  `json:"sender"`
	GroupID   GroupID `json:"group_id"`
	Content   string  `json:"content"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// FileNotice announces a stored upload. Checksum is the hex xxhash64 of the
// stored content.
type FileNotice struct {
	Sender   string `json:"sender"`
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Message  string `json:"message"`
	Checksum string `json:"checksum,omitempty"`
}

type GroupInfo struct {
	ID      GroupID `json:"id"`
	Name    string  `json:"name"`
	Creator string  `json:"creator"`
}

type GroupMembersResponse struct {
	GroupID GroupID  `json:"group_id"`
	Members []string `json:"members"`
}
