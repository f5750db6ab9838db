package hub

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// roomPair wires two desktop devices into a shared room.
func roomPair(t *testing.T, h *Hub, roomName, addrA, addrB string) (a *Client, connA *mockConn, b *Client, connB *mockConn) {
	t.Helper()
	a, connA = dial(t, h, desktopUA, addrA)
	b, connB = dial(t, h, desktopUA, addrB)
	say(t, h, a, map[string]any{"type": "createRoom", "roomName": roomName})
	say(t, h, b, map[string]any{"type": "joinRoom", "roomName": roomName})
	connB.waitForFrame(t, protocol.TypeRoomJoined)
	return a, connA, b, connB
}

func offerFile(t *testing.T, h *Hub, a *Client, connA *mockConn, targetID, name string, size int64) string {
	t.Helper()
	say(t, h, a, map[string]any{
		"type":           "fileTransfer",
		"targetDeviceId": targetID,
		"files":          []map[string]any{{"name": name, "size": size, "type": "application/octet-stream"}},
	})
	started := connA.waitForFrame(t, protocol.TypeTransferStarted)
	id, ok := started["transferId"].(string)
	require.True(t, ok)
	return id
}

func sendChunk(t *testing.T, h *Hub, a *Client, id string, index, total int, data string) {
	t.Helper()
	say(t, h, a, map[string]any{
		"type":        "fileChunk",
		"transferId":  id,
		"chunkIndex":  index,
		"totalChunks": total,
		"data":        data,
		"fileName":    "f.bin",
		"fileSize":    9,
		"fileType":    "application/octet-stream",
	})
}

func TestTransfer_EndToEnd(t *testing.T) {
	h := newTestHub(t)
	a, connA, b, connB := roomPair(t, h, "flow", "203.0.113.50:5000", "203.0.113.51:5000")

	id := offerFile(t, h, a, connA, b.id, "f.bin", 9)

	incoming := connB.waitForFrame(t, protocol.TypeIncomingFile)
	assert.Equal(t, id, incoming["transferId"])
	assert.Equal(t, a.id, incoming["fromDeviceId"])
	assert.Equal(t, float64(9), incoming["totalSize"])

	say(t, h, b, map[string]any{"type": "transferAccepted", "transferId": id})
	relay := connA.waitForFrame(t, protocol.TypeTransferAccepted)
	assert.Equal(t, b.id, relay["fromDeviceId"])

	sendChunk(t, h, a, id, 0, 3, b64("abc"))
	sendChunk(t, h, a, id, 1, 3, b64("def"))
	sendChunk(t, h, a, id, 2, 3, b64("ghi"))

	// Integer chunk-count progress: 33, 66, 100.
	var seen []float64
	require.Eventually(t, func() bool {
		seen = seen[:0]
		for _, f := range connA.frames() {
			if f["type"] == protocol.TypeUploadProgress {
				seen = append(seen, f["progress"].(float64))
			}
		}
		return len(seen) == 3
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []float64{33, 66, 100}, seen)

	complete := connB.waitForFrame(t, protocol.TypeFileComplete)
	assert.Equal(t, b64("abcdefghi"), complete["fileData"])
	assert.Equal(t, float64(9), complete["fileSize"])

	connA.waitForFrame(t, protocol.TypeTransferComplete)
}

func TestTransfer_Rejected(t *testing.T) {
	h := newTestHub(t)
	a, connA, b, connB := roomPair(t, h, "norej", "203.0.113.52:5000", "203.0.113.53:5000")

	id := offerFile(t, h, a, connA, b.id, "f.bin", 9)
	connB.waitForFrame(t, protocol.TypeIncomingFile)

	say(t, h, b, map[string]any{"type": "transferRejected", "transferId": id})

	relay := connA.waitForFrame(t, protocol.TypeTransferRejected)
	assert.Equal(t, id, relay["transferId"])

	_, ok := h.engine.Get(id)
	assert.False(t, ok)
}

func TestTransfer_TargetNotFound(t *testing.T) {
	h := newTestHub(t)
	a, connA, _, _ := roomPair(t, h, "missing", "203.0.113.54:5000", "203.0.113.55:5000")

	say(t, h, a, map[string]any{
		"type":           "fileTransfer",
		"targetDeviceId": "device-nobody",
		"files":          []map[string]any{{"name": "f", "size": 1, "type": "text/plain"}},
	})

	errFrame := connA.waitForFrame(t, protocol.TypeTransferError)
	assert.Equal(t, protocol.ErrTargetNotFound, errFrame["message"])
}

func TestTransfer_CrossRoomRejected(t *testing.T) {
	h := newTestHub(t)
	a, connA := dial(t, h, desktopUA, "203.0.113.56:5000")
	b, _ := dial(t, h, desktopUA, "203.0.113.57:5000")

	say(t, h, a, map[string]any{"type": "createRoom", "roomName": "east"})
	say(t, h, b, map[string]any{"type": "createRoom", "roomName": "west"})

	say(t, h, a, map[string]any{
		"type":           "fileTransfer",
		"targetDeviceId": b.id,
		"files":          []map[string]any{{"name": "f", "size": 1, "type": "text/plain"}},
	})

	errFrame := connA.waitForFrame(t, protocol.TypeTransferError)
	assert.Equal(t, protocol.ErrCrossRoomTransfer, errFrame["message"])
}

func TestTransfer_TargetOffline(t *testing.T) {
	h := newTestHub(t)
	a, connA, b, _ := roomPair(t, h, "ghost", "203.0.113.58:5000", "203.0.113.59:5000")

	h.handleDisconnect(b)

	say(t, h, a, map[string]any{
		"type":           "fileTransfer",
		"targetDeviceId": b.id,
		"files":          []map[string]any{{"name": "f", "size": 1, "type": "text/plain"}},
	})

	errFrame := connA.waitForFrame(t, protocol.TypeTransferError)
	assert.Equal(t, protocol.ErrTargetOffline, errFrame["message"])
}

func TestTransfer_OversizedFileRejected(t *testing.T) {
	h := newTestHub(t)
	a, connA, b, _ := roomPair(t, h, "big", "203.0.113.60:5000", "203.0.113.61:5000")

	say(t, h, a, map[string]any{
		"type":           "fileTransfer",
		"targetDeviceId": b.id,
		"files":          []map[string]any{{"name": "huge.iso", "size": protocol.MaxFileSize + 1, "type": "application/octet-stream"}},
	})

	errFrame := connA.waitForFrame(t, protocol.TypeTransferError)
	assert.Equal(t, protocol.ErrMemoryExhausted, errFrame["message"])
}

func TestTransfer_ConcurrencyCap(t *testing.T) {
	h := newTestHub(t)
	a, connA, b, _ := roomPair(t, h, "busy", "203.0.113.62:5000", "203.0.113.63:5000")

	for i := 0; i < 5; i++ {
		say(t, h, a, map[string]any{
			"type":           "fileTransfer",
			"transferId":     fmt.Sprintf("cap-%d", i),
			"targetDeviceId": b.id,
			"files":          []map[string]any{{"name": "f", "size": 100, "type": "text/plain"}},
		})
	}
	require.Eventually(t, func() bool {
		return connA.countOfType(protocol.TypeTransferStarted) == 5
	}, 2*time.Second, 2*time.Millisecond)

	say(t, h, a, map[string]any{
		"type":           "fileTransfer",
		"transferId":     "cap-5",
		"targetDeviceId": b.id,
		"files":          []map[string]any{{"name": "f", "size": 100, "type": "text/plain"}},
	})

	errFrame := connA.waitForFrame(t, protocol.TypeTransferError)
	assert.Equal(t, protocol.ErrMemoryExhausted, errFrame["message"])
}

func TestTransfer_DuplicateIDRejected(t *testing.T) {
	h := newTestHub(t)
	a, connA, b, _ := roomPair(t, h, "dup", "203.0.113.64:5000", "203.0.113.65:5000")

	offer := map[string]any{
		"type":           "fileTransfer",
		"transferId":     "dup-1",
		"targetDeviceId": b.id,
		"files":          []map[string]any{{"name": "f", "size": 1, "type": "text/plain"}},
	}
	say(t, h, a, offer)
	connA.waitForFrame(t, protocol.TypeTransferStarted)

	say(t, h, a, offer)

	errFrame := connA.waitForFrame(t, protocol.TypeTransferError)
	assert.Equal(t, protocol.ErrDuplicateTransfer, errFrame["message"])
}

func TestTransfer_MissingChunkResend(t *testing.T) {
	h := newTestHub(t)
	a, connA, b, connB := roomPair(t, h, "resend", "203.0.113.66:5000", "203.0.113.67:5000")

	id := offerFile(t, h, a, connA, b.id, "f.bin", 9)
	say(t, h, b, map[string]any{"type": "transferAccepted", "transferId": id})

	sendChunk(t, h, a, id, 0, 3, b64("abc"))
	sendChunk(t, h, a, id, 2, 3, b64("ghi"))

	// Only buffered indices come back; index 1 was never received.
	say(t, h, b, map[string]any{"type": "requestMissingChunks", "transferId": id, "missingChunks": []int{0, 1}})

	resend := connB.waitForFrame(t, protocol.TypeFileChunk)
	assert.Equal(t, float64(0), resend["chunkIndex"])
	assert.Equal(t, b64("abc"), resend["data"])
	assert.Equal(t, 1, connB.countOfType(protocol.TypeFileChunk))
}

func TestTransfer_ReceiverProgressRelayed(t *testing.T) {
	h := newTestHub(t)
	a, connA, b, connB := roomPair(t, h, "prog", "203.0.113.68:5000", "203.0.113.69:5000")

	id := offerFile(t, h, a, connA, b.id, "f.bin", 9)
	connB.waitForFrame(t, protocol.TypeIncomingFile)

	say(t, h, b, map[string]any{"type": "fileProgress", "transferId": id, "progress": 50})

	relay := connA.waitForFrame(t, protocol.TypeTransferProgress)
	assert.Equal(t, float64(50), relay["progress"])
}

func TestTransfer_Cancel(t *testing.T) {
	h := newTestHub(t)
	a, connA, b, connB := roomPair(t, h, "cancel", "203.0.113.70:5000", "203.0.113.71:5000")

	id := offerFile(t, h, a, connA, b.id, "f.bin", 9)
	connB.waitForFrame(t, protocol.TypeIncomingFile)

	say(t, h, a, map[string]any{"type": "fileCancel", "transferId": id})

	relay := connB.waitForFrame(t, protocol.TypeFileCancel)
	assert.Equal(t, id, relay["transferId"])
	_, ok := h.engine.Get(id)
	assert.False(t, ok)
}

func TestTransfer_DownloadRequest(t *testing.T) {
	h := newTestHub(t)
	a, connA, b, connB := roomPair(t, h, "dl", "203.0.113.72:5000", "203.0.113.73:5000")

	id := offerFile(t, h, a, connA, b.id, "f.bin", 9)
	connB.waitForFrame(t, protocol.TypeIncomingFile)
	say(t, h, b, map[string]any{"type": "transferAccepted", "transferId": id})

	say(t, h, b, map[string]any{"type": "requestFileDownload", "transferId": id})

	push := connA.waitForFrame(t, protocol.TypeSendFileData)
	assert.Equal(t, b.id, push["targetDeviceId"])

	say(t, h, b, map[string]any{"type": "requestFileDownload", "transferId": "no-such"})
	dlErr := connB.waitForFrame(t, protocol.TypeDownloadError)
	assert.Equal(t, protocol.ErrTargetNotFound, dlErr["message"])
}

func TestTransfer_DownloadRequiresAcceptance(t *testing.T) {
	h := newTestHub(t)
	a, connA, b, connB := roomPair(t, h, "dlpend", "203.0.113.80:5000", "203.0.113.81:5000")

	id := offerFile(t, h, a, connA, b.id, "f.bin", 9)
	connB.waitForFrame(t, protocol.TypeIncomingFile)

	// Pulling before accepting is refused.
	say(t, h, b, map[string]any{"type": "requestFileDownload", "transferId": id})

	dlErr := connB.waitForFrame(t, protocol.TypeDownloadError)
	assert.Equal(t, protocol.ErrTargetNotFound, dlErr["message"])
	assert.Equal(t, 0, connA.countOfType(protocol.TypeSendFileData))
}

func TestTransfer_DownloadRefusedForNonReceiver(t *testing.T) {
	h := newTestHub(t)
	a, connA, b, connB := roomPair(t, h, "dlauth", "203.0.113.82:5000", "203.0.113.83:5000")
	eve, connEve := dial(t, h, desktopUA, "203.0.113.84:5000")
	say(t, h, eve, map[string]any{"type": "joinRoom", "roomName": "dlauth"})
	connEve.waitForFrame(t, protocol.TypeRoomJoined)

	id := offerFile(t, h, a, connA, b.id, "f.bin", 9)
	connB.waitForFrame(t, protocol.TypeIncomingFile)
	say(t, h, b, map[string]any{"type": "transferAccepted", "transferId": id})

	// Knowing the transfer id does not entitle another member to the payload.
	say(t, h, eve, map[string]any{"type": "requestFileDownload", "transferId": id})

	dlErr := connEve.waitForFrame(t, protocol.TypeDownloadError)
	assert.Equal(t, protocol.ErrTargetNotFound, dlErr["message"])
	assert.Equal(t, 0, connA.countOfType(protocol.TypeSendFileData))
}

func TestTransfer_DataURLPrefixTolerated(t *testing.T) {
	h := newTestHub(t)
	a, connA, b, connB := roomPair(t, h, "dataurl", "203.0.113.74:5000", "203.0.113.75:5000")

	id := offerFile(t, h, a, connA, b.id, "f.bin", 3)
	say(t, h, b, map[string]any{"type": "transferAccepted", "transferId": id})

	say(t, h, a, map[string]any{
		"type":        "fileChunk",
		"transferId":  id,
		"chunkIndex":  0,
		"totalChunks": 1,
		"data":        "data:application/octet-stream;base64," + b64("abc"),
	})

	complete := connB.waitForFrame(t, protocol.TypeFileComplete)
	assert.Equal(t, b64("abc"), complete["fileData"])
}
