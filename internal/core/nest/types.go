// Package nest implements the client for the reverse-engineered Google Nest
// cloud API: the app-launch snapshot endpoint, the long-poll delta
// subscription and the object-merge command endpoint. Request and response
// schemas are a third-party contract and are decoded defensively: unknown
// fields are ignored and missing fields are treated as absent, never as
// errors.
package nest

import "strings"

// Bucket is one object in the Nest account graph. The object key is
// "<kind>.<id>", e.g. "quartz.1a2b" for a camera, "topaz.3c4d" for a
// Protect. Value is the loosely typed payload; its shape depends on the
// kind.
type Bucket struct {
	ObjectKey       string         `json:"object_key"`
	ObjectRevision  int64          `json:"object_revision"`
	ObjectTimestamp int64          `json:"object_timestamp"`
	Value           map[string]any `json:"value"`
}

// Kind returns the object key prefix ("quartz", "topaz", ...).
func (b Bucket) Kind() string {
	if i := strings.IndexByte(b.ObjectKey, '.'); i >= 0 {
		return b.ObjectKey[:i]
	}
	return b.ObjectKey
}

// ID returns the object key suffix, the device or structure id.
func (b Bucket) ID() string {
	if i := strings.IndexByte(b.ObjectKey, '.'); i >= 0 {
		return b.ObjectKey[i+1:]
	}
	return ""
}

// Cursor marks the last applied revision for one object, used to resume the
// delta subscription without replay.
type Cursor struct {
	ObjectKey string `json:"object_key"`
	Revision  int64  `json:"object_revision"`
	Timestamp int64  `json:"object_timestamp"`
}

// Snapshot is the result of a full app-launch fetch.
type Snapshot struct {
	Buckets      []Bucket
	TransportURL string
}

// Object is one entry of a command request against /v6/put.
type Object struct {
	ObjectKey string         `json:"object_key"`
	Op        string         `json:"op"`
	Value     map[string]any `json:"value"`
}

// knownBucketTypes is the set of object kinds requested at app launch.
// Kinds the mapper does not understand are carried but skipped downstream.
var knownBucketTypes = []string{
	"buckets",
	"delayed_topaz",
	"demand_response",
	"device",
	"device_alert_dialog",
	"geofence_info",
	"kryptonite",
	"link",
	"message",
	"message_center",
	"metadata",
	"occupancy",
	"quartz",
	"safety",
	"rcs_settings",
	"safety_summary",
	"schedule",
	"shared",
	"structure",
	"structure_history",
	"structure_metadata",
	"topaz",
	"topaz_resource",
	"track",
	"trip",
	"tuneups",
	"user",
	"user_alert_dialog",
	"user_settings",
	"where",
	"widget_track",
}
