// Package cloudtrail implements a fetch.Source over the AWS CloudTrail
// LookupEvents API. Pagination uses LookupEvents' NextToken as the cursor.
//
// The last page of a lookup carries no NextToken. The engine keeps its
// previous cursor in that case, so the final page is read again on the next
// fetch and its records are delivered more than once. Consumers at the end
// of the log should deduplicate on Record.ID (the PostgreSQL sink does this
// through its event_id constraint).
package cloudtrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/trailpoll/pkg/fetch"
	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudtrail"
	"github.com/aws/aws-sdk-go/service/cloudtrail/cloudtrailiface"
	"github.com/rs/zerolog"
)

// DefaultRegion is used when no region is configured.
const DefaultRegion = "us-east-1"

// ErrNilAPI is returned by New when no CloudTrail client is given.
var ErrNilAPI = errors.New("cloudtrail: api client is required")

// ErrorClass categorizes LookupEvents failures.
type ErrorClass string

const (
	// ErrorClassThrottled is a throttling or request-limit failure.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassClient is an invalid request (bad token, attributes, time range).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer is a 5xx failure on the AWS side.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork is any failure without an HTTP response.
	ErrorClassNetwork ErrorClass = "network"
)

// Error wraps a LookupEvents failure with its class.
type Error struct {
	ErrorClass ErrorClass
	Code       string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("cloudtrail %s error (%s): %v", e.ErrorClass, e.Code, e.Err)
	}
	return fmt.Sprintf("cloudtrail %s error: %v", e.ErrorClass, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Class implements fetch.Classified.
func (e *Error) Class() string {
	return string(e.ErrorClass)
}

// Attribute is a LookupEvents filter, e.g. {Key: "EventSource", Value: "s3.amazonaws.com"}.
type Attribute struct {
	Key   string
	Value string
}

// Config holds source configuration.
type Config struct {
	// Region is the AWS region. Defaults to "us-east-1", if empty.
	Region string

	// Profile selects a shared config profile. Empty uses the default chain.
	Profile string

	// Endpoint overrides the service endpoint (e.g. for LocalStack).
	Endpoint string

	// StartTime and EndTime bound the lookup window when non-zero.
	StartTime time.Time
	EndTime   time.Time

	// Attributes filter the lookup. CloudTrail accepts at most one.
	Attributes []Attribute
}

// Validate checks the config.
func (c Config) Validate() error {
	if len(c.Attributes) > 1 {
		return fmt.Errorf("cloudtrail accepts at most one lookup attribute (got %d)", len(c.Attributes))
	}
	for _, a := range c.Attributes {
		if a.Key == "" || a.Value == "" {
			return fmt.Errorf("lookup attribute key and value are required")
		}
	}
	if !c.StartTime.IsZero() && !c.EndTime.IsZero() && c.EndTime.Before(c.StartTime) {
		return fmt.Errorf("end_time %v is before start_time %v", c.EndTime, c.StartTime)
	}
	return nil
}

// Source fetches CloudTrail events page by page.
type Source struct {
	api    cloudtrailiface.CloudTrailAPI
	config Config
	logger zerolog.Logger
}

var _ fetch.Source = (*Source)(nil)

// New creates a source over an existing CloudTrail client.
func New(api cloudtrailiface.CloudTrailAPI, cfg Config, logger zerolog.Logger) (*Source, error) {
	if api == nil {
		return nil, ErrNilAPI
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cloudtrail config: %w", err)
	}
	return &Source{
		api:    api,
		config: cfg,
		logger: logger,
	}, nil
}

// NewFromSession creates a source with a CloudTrail client built from the
// default AWS credential chain.
func NewFromSession(cfg Config, logger zerolog.Logger) (*Source, error) {
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}

	awsCfg := aws.Config{Region: aws.String(region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            awsCfg,
		Profile:           cfg.Profile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}

	return New(cloudtrail.New(sess), cfg, logger)
}

// Fetch performs one LookupEvents call.
func (s *Source) Fetch(ctx context.Context, cursor record.Cursor, limit int) (record.Page, error) {
	input := s.buildInput(cursor, limit)

	out, err := s.api.LookupEventsWithContext(ctx, input)
	if err != nil {
		return record.Page{}, classify(err)
	}

	page := record.Page{
		Records: make([]record.Record, 0, len(out.Events)),
	}
	for _, ev := range out.Events {
		if ev == nil {
			continue
		}
		page.Records = append(page.Records, toRecord(ev))
	}
	if token := aws.StringValue(out.NextToken); token != "" {
		page.Next = record.Cursor(token)
	}

	s.logger.Debug().
		Int("events", len(page.Records)).
		Bool("has_next", !page.Next.IsAbsent()).
		Msg("LookupEvents completed")

	return page, nil
}

func (s *Source) buildInput(cursor record.Cursor, limit int) *cloudtrail.LookupEventsInput {
	input := &cloudtrail.LookupEventsInput{
		MaxResults: aws.Int64(int64(fetch.ClampLimit(limit))),
	}
	if !cursor.IsAbsent() {
		input.NextToken = aws.String(string(cursor))
	}
	if !s.config.StartTime.IsZero() {
		input.StartTime = aws.Time(s.config.StartTime)
	}
	if !s.config.EndTime.IsZero() {
		input.EndTime = aws.Time(s.config.EndTime)
	}
	for _, a := range s.config.Attributes {
		input.LookupAttributes = append(input.LookupAttributes, &cloudtrail.LookupAttribute{
			AttributeKey:   aws.String(a.Key),
			AttributeValue: aws.String(a.Value),
		})
	}
	return input
}

// toRecord maps a CloudTrail event. Resources become resource.N.type/name
// attributes; read_only and access_key_id are kept when present.
func toRecord(ev *cloudtrail.Event) record.Record {
	rec := record.Record{
		ID:       aws.StringValue(ev.EventId),
		Name:     aws.StringValue(ev.EventName),
		Source:   aws.StringValue(ev.EventSource),
		Time:     aws.TimeValue(ev.EventTime),
		Username: aws.StringValue(ev.Username),
	}

	if body := aws.StringValue(ev.CloudTrailEvent); body != "" && json.Valid([]byte(body)) {
		rec.Payload = json.RawMessage(body)
	}

	attrs := make(map[string]string)
	if v := aws.StringValue(ev.ReadOnly); v != "" {
		attrs["read_only"] = v
	}
	if v := aws.StringValue(ev.AccessKeyId); v != "" {
		attrs["access_key_id"] = v
	}
	for i, res := range ev.Resources {
		if res == nil {
			continue
		}
		attrs[fmt.Sprintf("resource.%d.type", i)] = aws.StringValue(res.ResourceType)
		attrs[fmt.Sprintf("resource.%d.name", i)] = aws.StringValue(res.ResourceName)
	}
	if len(attrs) > 0 {
		rec.Attributes = attrs
	}
	return rec
}

// classify wraps an AWS error with its ErrorClass.
func classify(err error) error {
	if request.IsErrorThrottle(err) {
		return &Error{ErrorClass: ErrorClassThrottled, Code: awsCode(err), Err: err}
	}

	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		class := ErrorClassClient
		if reqErr.StatusCode() >= 500 {
			class = ErrorClassServer
		}
		return &Error{ErrorClass: class, Code: reqErr.Code(), Err: err}
	}

	var aErr awserr.Error
	if errors.As(err, &aErr) {
		switch aErr.Code() {
		case cloudtrail.ErrCodeInvalidNextTokenException,
			cloudtrail.ErrCodeInvalidLookupAttributesException,
			cloudtrail.ErrCodeInvalidTimeRangeException,
			cloudtrail.ErrCodeInvalidMaxResultsException:
			return &Error{ErrorClass: ErrorClassClient, Code: aErr.Code(), Err: err}
		}
		return &Error{ErrorClass: ErrorClassNetwork, Code: aErr.Code(), Err: err}
	}

	return &Error{ErrorClass: ErrorClassNetwork, Err: err}
}

func awsCode(err error) string {
	var aErr awserr.Error
	if errors.As(err, &aErr) {
		return aErr.Code()
	}
	return ""
}
