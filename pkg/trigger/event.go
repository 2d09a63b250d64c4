// Package trigger turns storage notifications into pipeline executions.
package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

var ErrUnrecognizedEvent = errors.New("unrecognized storage event")

// Object is one created blob
type Object struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}

type bucketRef struct {
	Name string `json:"name"`
}

type objectRef struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

type s3Entity struct {
	Bucket bucketRef `json:"bucket"`
	Object objectRef `json:"object"`
}

// envelope covers both accepted shapes: a batch of Records, or a single
// change notification with source/detail-type/detail
type envelope struct {
	Records *[]struct {
		S3 s3Entity `json:"s3"`
	} `json:"Records"`

	Source     string    `json:"source"`
	DetailType string    `json:"detail-type"`
	Detail     *s3Entity `json:"detail"`
}

// ParseEvent extracts the created objects from a raw notification.
// An empty batch yields no objects and no error.
func ParseEvent(raw []byte) ([]Object, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedEvent, err)
	}

	switch {
	case env.Records != nil:
		objects := make([]Object, 0, len(*env.Records))
		for _, rec := range *env.Records {
			objects = append(objects, Object{
				Bucket: rec.S3.Bucket.Name,
				Key:    decodeKey(rec.S3.Object.Key),
				Size:   rec.S3.Object.Size,
			})
		}
		return objects, nil

	case env.Source == "aws.s3" && env.DetailType == "Object Created" && env.Detail != nil:
		return []Object{{
			Bucket: env.Detail.Bucket.Name,
			Key:    env.Detail.Object.Key,
			Size:   env.Detail.Object.Size,
		}}, nil
	}

	return nil, ErrUnrecognizedEvent
}

// decodeKey undoes the form encoding of batch notification keys ("+" is a space).
// A malformed escape leaves the key as delivered.
func decodeKey(key string) string {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return key
	}
	return decoded
}
