// Package protocol defines the JSON wire frames exchanged with clients.
//
// Every frame is a flat JSON object carrying a "type" discriminator; payload
// fields sit at the top level of the same object. Binary payloads are never
// sent as binary frames: chunk data travels base64-encoded inside text frames.
package protocol

import (
	"encoding/json"
	"strings"
)

// Inbound frame types.
const (
	TypeClientIdentify       = "client_identify"
	TypeDeviceInfo           = "deviceInfo"
	TypeUpdateDeviceName     = "updateDeviceName"
	TypeCreateRoom           = "createRoom"
	TypeJoinRoom             = "joinRoom"
	TypeLeaveRoom            = "leaveRoom"
	TypeFileTransfer         = "fileTransfer"
	TypeTransferAccepted     = "transferAccepted"
	TypeTransferRejected     = "transferRejected"
	TypeFileChunk            = "fileChunk"
	TypeFileComplete         = "fileComplete"
	TypeFileProgress         = "fileProgress"
	TypeRequestMissingChunks = "requestMissingChunks"
	TypeRequestFileDownload  = "requestFileDownload"
	TypeTogglePinDevice      = "togglePinDevice"
	TypeFileCancel           = "fileCancel"
	TypePing                 = "ping"
)

// Outbound frame types.
const (
	TypeWelcome             = "welcome"
	TypeDeviceList          = "deviceList"
	TypeDeviceJoined        = "deviceJoined"
	TypeDeviceLeft          = "deviceLeft"
	TypeIncomingFile        = "incomingFile"
	TypeTransferStarted     = "transferStarted"
	TypeUploadProgress      = "uploadProgress"
	TypeTransferComplete    = "transferComplete"
	TypeTransferProgress    = "transferProgress"
	TypeSendFileData        = "sendFileData"
	TypeDownloadError       = "downloadError"
	TypeTransferError       = "transferError"
	TypeRoomError           = "roomError"
	TypeRoomJoined          = "roomJoined"
	TypeRoomCreated         = "roomCreated"
	TypeRoomLeft            = "roomLeft"
	TypeDuplicateConnection = "duplicate_connection"
	TypeDeviceNameUpdated   = "deviceNameUpdated"
	TypePong                = "pong"
	TypeError               = "error"
)

// Error taxonomy surfaced in error / transferError / roomError frames.
const (
	ErrUnknownMessageType  = "UnknownMessageType"
	ErrMalformedFrame      = "MalformedFrame"
	ErrRoomNameEmpty       = "RoomNameEmpty"
	ErrRoomNotFound        = "RoomNotFound"
	ErrRoomAlreadyExists   = "RoomAlreadyExists"
	ErrTargetNotFound      = "TargetNotFound"
	ErrCrossRoomTransfer   = "CrossRoomTransfer"
	ErrTargetOffline       = "TargetOffline"
	ErrMemoryExhausted     = "MemoryExhausted"
	ErrSenderUnavailable   = "SenderUnavailable"
	ErrAssemblyFailed      = "AssemblyFailed"
	ErrDuplicateConnection = "DuplicateConnection"
	ErrDuplicateTransfer   = "DuplicateTransfer"
	ErrInactivity          = "Inactivity"
)

// Chunk sizes advertised in the welcome frame. Mobile Safari sessions are
// fragile under large frames, so they get the reduced size.
const (
	DefaultChunkSize = 20 * 1024 * 1024
	MobileChunkSize  = 1 * 1024 * 1024
	MaxFileSize      = 500 * 1024 * 1024
)

// Envelope is the minimal decode target used to discriminate a frame.
type Envelope struct {
	Type string `json:"type"`
}

// FrameType extracts the type discriminator of a raw frame.
func FrameType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// --- Inbound payloads ---

// ClientIdentify carries the stronger identity a client supplies after
// connecting (its own session id, language, a previous-session hint).
type ClientIdentify struct {
	SessionID          string `json:"sessionId"`
	Language           string `json:"language"`
	PreviousDeviceID   string `json:"previousDeviceId"`
	UserAgent          string `json:"userAgent"`
	ConnectionStrength string `json:"connectionStrength"`
}

// DeviceInfo updates a device's display fields.
type DeviceInfo struct {
	Name               string `json:"name"`
	CustomName         string `json:"customName"`
	DeviceType         string `json:"deviceType"`
	ConnectionStrength string `json:"connectionStrength"`
}

type UpdateDeviceName struct {
	Name string `json:"name"`
}

type CreateRoom struct {
	RoomName string `json:"roomName"`
}

// JoinRoom accepts either the server-minted id or the display name.
type JoinRoom struct {
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName"`
}

// FileMeta describes one offered file.
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// FileTransfer is a transfer offer from sender to a target in the same room.
type FileTransfer struct {
	TransferID     string     `json:"transferId"`
	TargetDeviceID string     `json:"targetDeviceId"`
	Files          []FileMeta `json:"files"`
}

// TransferDecision covers transferAccepted / transferRejected / fileComplete /
// fileCancel / requestFileDownload, all of which carry only the transfer id.
type TransferDecision struct {
	TransferID string `json:"transferId"`
}

// FileChunk is a single indexed chunk from the sender.
type FileChunk struct {
	TransferID  string `json:"transferId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Data        string `json:"data"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	FileType    string `json:"fileType"`
}

// FileProgress is receiver-reported reassembly progress for the sender UI.
type FileProgress struct {
	TransferID string  `json:"transferId"`
	Progress   float64 `json:"progress"`
}

type RequestMissingChunks struct {
	TransferID    string `json:"transferId"`
	MissingChunks []int  `json:"missingChunks"`
	TotalChunks   int    `json:"totalChunks"`
}

type TogglePinDevice struct {
	TargetDeviceID string `json:"targetDeviceId"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// --- Outbound frames ---

// Welcome announces the assigned device id and server capabilities.
type Welcome struct {
	Type              string `json:"type"`
	DeviceID          string `json:"deviceId"`
	ChunkSize         int64  `json:"chunkSize"`
	MaxFileSize       int64  `json:"maxFileSize"`
	HeartbeatInterval int64  `json:"heartbeatInterval"`
	ServerTime        int64  `json:"serverTime"`
}

func NewWelcome(deviceID string, chunkSize, heartbeatMillis, serverTime int64) Welcome {
	return Welcome{
		Type:              TypeWelcome,
		DeviceID:          deviceID,
		ChunkSize:         chunkSize,
		MaxFileSize:       MaxFileSize,
		HeartbeatInterval: heartbeatMillis,
		ServerTime:        serverTime,
	}
}

// DeviceEntry is one row of a deviceList broadcast.
type DeviceEntry struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	OriginalName       string `json:"originalName"`
	Type               string `json:"type"`
	Platform           string `json:"platform"`
	Browser            string `json:"browser"`
	Pinned             bool   `json:"pinned"`
	Online             bool   `json:"online"`
	LastSeen           int64  `json:"lastSeen"`
	ConnectionStrength string `json:"connectionStrength"`
	HasCustomName      bool   `json:"hasCustomName"`
}

type DeviceList struct {
	Type    string        `json:"type"`
	RoomID  string        `json:"roomId"`
	Devices []DeviceEntry `json:"devices"`
}

type DeviceJoined struct {
	Type        string      `json:"type"`
	Device      DeviceEntry `json:"device"`
	DeviceCount int         `json:"deviceCount"`
}

type DeviceLeft struct {
	Type        string `json:"type"`
	DeviceID    string `json:"deviceId"`
	DeviceCount int    `json:"deviceCount"`
}

type RoomAck struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	RoomName    string `json:"roomName"`
	DeviceCount int    `json:"deviceCount"`
}

type RoomError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewRoomError(message string) RoomError {
	return RoomError{Type: TypeRoomError, Message: message}
}

type IncomingFile struct {
	Type         string     `json:"type"`
	TransferID   string     `json:"transferId"`
	FromDeviceID string     `json:"fromDeviceId"`
	FromName     string     `json:"fromName"`
	Files        []FileMeta `json:"files"`
	TotalSize    int64      `json:"totalSize"`
}

type TransferStarted struct {
	Type           string `json:"type"`
	TransferID     string `json:"transferId"`
	TargetDeviceID string `json:"targetDeviceId"`
}

type TransferRelay struct {
	Type         string `json:"type"`
	TransferID   string `json:"transferId"`
	FromDeviceID string `json:"fromDeviceId"`
}

type UploadProgress struct {
	Type           string  `json:"type"`
	TransferID     string  `json:"transferId"`
	Progress       float64 `json:"progress"`
	ReceivedChunks int     `json:"receivedChunks"`
	TotalChunks    int     `json:"totalChunks"`
}

type FileCompleteOut struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
	FileType   string `json:"fileType"`
	FileSize   int64  `json:"fileSize"`
	FileData   string `json:"fileData"`
}

// ChunkResend wraps a buffered chunk for re-delivery to the receiver. The
// embedded fields flatten into the same shape the sender originally produced.
type ChunkResend struct {
	Type string `json:"type"`
	FileChunk
}

type TransferComplete struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
}

type TransferProgress struct {
	Type       string  `json:"type"`
	TransferID string  `json:"transferId"`
	Progress   float64 `json:"progress"`
}

type SendFileData struct {
	Type           string `json:"type"`
	TransferID     string `json:"transferId"`
	TargetDeviceID string `json:"targetDeviceId"`
}

type TransferError struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Message    string `json:"message"`
}

func NewTransferError(transferID, message string) TransferError {
	return TransferError{Type: TypeTransferError, TransferID: transferID, Message: message}
}

type DownloadError struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Message    string `json:"message"`
}

type DuplicateConnection struct {
	Type               string `json:"type"`
	KeepThisConnection bool   `json:"keepThisConnection"`
	Message            string `json:"message"`
}

type DeviceNameUpdated struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}

// --- Payload sanitation ---

// NormalizeBase64 strips any data-URL prefix before the first comma and
// removes every character outside the strict base64 alphabet. Malformed
// clients prepend "data:...;base64," or inject whitespace; the relay
// tolerates both.
func NormalizeBase64(data string) string {
	if idx := strings.IndexByte(data, ','); idx >= 0 && strings.HasPrefix(data, "data:") {
		data = data[idx+1:]
	}
	var b strings.Builder
	b.Grow(len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' ||
			c == '+' || c == '/' || c == '=' {
			b.WriteByte(c)
		}
	}
	return b.String()
}
