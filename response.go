package apns

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Response describes the outcome of a single delivery attempt that
// completed a full protocol exchange with the gateway. A rejection is a
// normal outcome, not an error: Sent is false and Reason carries the
// server-defined classification.
type Response struct {
	// ID is the canonical UUID of the notification, as echoed or assigned
	// by the gateway.
	ID string
	// Sent reports that the gateway accepted the notification.
	Sent bool
	// Reason for rejection. Empty if and only if Sent is true.
	Reason string
	// TokenExpiration is set only for the "Unregistered" reason: the last
	// time at which the gateway confirmed the device token was still valid
	// for the topic. Stop pushing to the token until the device registers
	// again with a later timestamp.
	TokenExpiration time.Time
}

// String returns a short description of the delivery outcome.
func (r *Response) String() string {
	if r.Sent {
		return "sent " + r.ID
	}
	if msg, ok := reasons[r.Reason]; ok {
		return fmt.Sprintf("rejected [%s]: %s", r.Reason, msg)
	}
	return "rejected [" + r.Reason + "]"
}

// rejectionBody is the JSON body of a non-200 gateway response. The
// timestamp accompanies only the "Unregistered" reason and counts whole
// seconds since the epoch.
type rejectionBody struct {
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// decodeResponse converts a completed stream exchange into a Response.
func decodeResponse(id string, status int, body []byte) (*Response, error) {
	if status == http.StatusOK {
		return &Response{ID: id, Sent: true}, nil
	}
	var r rejectionBody
	if err := json.Unmarshal(body, &r); err != nil || r.Reason == "" {
		return nil, fmt.Errorf("malformed rejection body (status %d)", status)
	}
	resp := &Response{ID: id, Reason: r.Reason}
	if r.Timestamp != 0 && r.Reason == ReasonUnregistered {
		resp.TokenExpiration = time.Unix(r.Timestamp, 0)
	}
	return resp, nil
}

// Rejection reasons the test suite and callers match on by name.
const (
	ReasonMissingTopic           = "MissingTopic"
	ReasonTopicDisallowed        = "TopicDisallowed"
	ReasonDeviceTokenNotForTopic = "DeviceTokenNotForTopic"
	ReasonUnregistered           = "Unregistered"
	ReasonBadCertificate         = "BadCertificate"
	ReasonBadPath                = "BadPath"
	ReasonMethodNotAllowed       = "MethodNotAllowed"
)

var reasons = map[string]string{
	"PayloadEmpty":              "The message payload was empty.",
	"PayloadTooLarge":           "The message payload was too large.",
	"BadTopic":                  "The apns-topic was invalid.",
	"TopicDisallowed":           "Pushing to this topic is not allowed.",
	"BadMessageId":              "The apns-id value is bad.",
	"BadExpirationDate":         "The apns-expiration value is bad.",
	"BadPriority":               "The apns-priority value is bad.",
	"MissingDeviceToken":        "The device token is not specified in the request :path.",
	"BadDeviceToken":            "The specified device token was bad.",
	"DeviceTokenNotForTopic":    "The device token does not match the specified topic.",
	"Unregistered":              "The device token is inactive for the specified topic.",
	"DuplicateHeaders":          "One or more headers were repeated.",
	"BadCertificateEnvironment": "The client certificate was for the wrong environment.",
	"BadCertificate":            "The certificate was bad.",
	"Forbidden":                 "The specified action is not allowed.",
	"BadPath":                   "The request contained a bad :path value.",
	"MethodNotAllowed":          "The specified :method was not POST.",
	"TooManyRequests":           "Too many requests were made consecutively to the same device token.",
	"IdleTimeout":               "Idle time out.",
	"Shutdown":                  "The server is shutting down.",
	"InternalServerError":       "An internal server error occurred.",
	"ServiceUnavailable":        "The service is unavailable.",
	"MissingTopic":              "The apns-topic header of the request was not specified and was required.",
}
