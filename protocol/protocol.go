/*
Package protocol defines the wire messages exchanged between dtrackd
nodes: discovery, routing, sync and detection traffic. Every message is
a self-describing JSON object carrying a "type" discriminant. The
transport layer does not interpret payloads; each receiving handler
sniffs the type and drops types it does not handle rather than
rejecting them.
*/
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the JSON envelopes exchanged between nodes.
type MessageType string

// Recognized message types at the core layer.
const (
	TypeDiscoveryRequest  MessageType = "discovery_request"
	TypeDiscoveryResponse MessageType = "discovery_response"
	TypeRoutingUpdate     MessageType = "routing_update"
	TypeSyncReady         MessageType = "sync_ready"
	TypeSyncDisconnect    MessageType = "sync_disconnect"
	TypeDetection         MessageType = "detection"
)

// NodeKind is carried in discovery responses to identify the service.
const NodeKind = "dtrack"

// Envelope is used only to sniff the "type" field before unmarshaling
// into a concrete message. It mirrors sptp's ProbeMsgType
// dispatch-by-type pattern, adapted for JSON instead of a binary header.
type Envelope struct {
	Type MessageType `json:"type"`
}

// DiscoveryRequest is broadcast to the cluster discovery port to find peers.
type DiscoveryRequest struct {
	Type MessageType `json:"type"`
}

// NewDiscoveryRequest builds a DiscoveryRequest with the type field set.
func NewDiscoveryRequest() DiscoveryRequest {
	return DiscoveryRequest{Type: TypeDiscoveryRequest}
}

// DiscoveryNode describes the responding node in a DiscoveryResponse.
type DiscoveryNode struct {
	NodeID string `json:"node_id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Type   string `json:"type"`
	Status int    `json:"status"`
}

// DiscoveryResponse answers a DiscoveryRequest.
type DiscoveryResponse struct {
	Type MessageType   `json:"type"`
	Node DiscoveryNode `json:"node"`
}

// NewDiscoveryResponse builds a DiscoveryResponse for nodeID/host/port.
func NewDiscoveryResponse(nodeID, host string, port int) DiscoveryResponse {
	return DiscoveryResponse{
		Type: TypeDiscoveryResponse,
		Node: DiscoveryNode{
			NodeID: nodeID,
			Host:   host,
			Port:   port,
			Type:   NodeKind,
			Status: 1,
		},
	}
}

// RouteEntry is a (distance, next_hop) pair serialized as a 2-tuple on
// the wire: [distance, next_hop_id].
type RouteEntry struct {
	Distance int
	NextHop  string
}

// MarshalJSON encodes a RouteEntry as the wire tuple [distance, next_hop_id].
func (r RouteEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{r.Distance, r.NextHop})
}

// UnmarshalJSON decodes a RouteEntry from the wire tuple [distance, next_hop_id].
func (r *RouteEntry) UnmarshalJSON(data []byte) error {
	var tuple [2]any
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	dist, ok := tuple[0].(float64)
	if !ok {
		return fmt.Errorf("route entry: distance field is not a number")
	}
	hop, ok := tuple[1].(string)
	if !ok {
		return fmt.Errorf("route entry: next_hop field is not a string")
	}
	r.Distance = int(dist)
	r.NextHop = hop
	return nil
}

// RoutingUpdate carries a snapshot of the sender's routing table.
type RoutingUpdate struct {
	Type         MessageType           `json:"type"`
	RoutingTable map[string]RouteEntry `json:"routing_table"`
}

// NewRoutingUpdate wraps a routing table snapshot for the wire.
func NewRoutingUpdate(table map[string]RouteEntry) RoutingUpdate {
	return RoutingUpdate{Type: TypeRoutingUpdate, RoutingTable: table}
}

// SyncStatus is a sync_ready / sync_disconnect message.
type SyncStatus struct {
	NodeID string `json:"node_id"`
	Status bool   `json:"status"`
}

// NewSyncReady builds a sync_ready message for nodeID.
func NewSyncReady(nodeID string) SyncStatus {
	return SyncStatus{NodeID: nodeID, Status: true}
}

// NewSyncDisconnect builds a sync_disconnect message for nodeID.
func NewSyncDisconnect(nodeID string) SyncStatus {
	return SyncStatus{NodeID: nodeID, Status: false}
}

// BoundingBox is an axis-aligned box in image pixel coordinates.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// WorldPosition is a ground-plane position in meters. Y is fixed to 0
// by the detector collaborator (the ground plane projection contract).
type WorldPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Detection is one node-local person detection for a single frame.
type Detection struct {
	TrackingID    int            `json:"tracking_id"`
	Confidence    float64        `json:"confidence"`
	BBox          BoundingBox    `json:"bbox"`
	WorldPosition *WorldPosition `json:"world_position"`
}

// DetectionMessage is broadcast by a node once per cycle, addressed to a
// single destination_node; forwarders relay it toward that destination
// using the routing table rather than consuming it.
type DetectionMessage struct {
	Type            MessageType `json:"type"`
	FrameNumber     int64       `json:"frame_number"`
	SourceNode      string      `json:"source_node"`
	DestinationNode string      `json:"destination_node"`
	TimestampMs     float64     `json:"timestamp_ms"`
	Detections      []Detection `json:"detections"`
}

// NewDetectionMessage builds a detection message for one destination.
func NewDetectionMessage(frameNumber int64, source, destination string, timestampMs float64, detections []Detection) DetectionMessage {
	return DetectionMessage{
		Type:            TypeDetection,
		FrameNumber:     frameNumber,
		SourceNode:      source,
		DestinationNode: destination,
		TimestampMs:     timestampMs,
		Detections:      detections,
	}
}

// LabeledDetection is a Detection stamped with its fused global identity,
// emitted by the global tracker to a Sink.
type LabeledDetection struct {
	SourceNode string    `json:"source_node"`
	GlobalID   int64     `json:"global_id"`
	Detection  Detection `json:"detection"`
}

// MaxDatagramSize bounds any single message: payloads must fit a
// single 64KB datagram.
const MaxDatagramSize = 64 * 1024
