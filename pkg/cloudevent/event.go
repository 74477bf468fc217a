// Package cloudevent sends CloudEvents over HTTP in structured mode.
package cloudevent

import (
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// ContentType is the structured-mode media type.
const ContentType = "application/cloudevents+json"

// New creates a CloudEvents 1.0 event with JSON data.
func New(eventType, source, subject, id string, data any) (cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	event.SetSpecVersion(cloudevents.VersionV1)
	event.SetID(id)
	event.SetType(eventType)
	event.SetSource(source)
	if subject != "" {
		event.SetSubject(subject)
	}
	event.SetTime(time.Now().UTC())
	if data != nil {
		if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
			return event, err
		}
	}
	return event, nil
}
