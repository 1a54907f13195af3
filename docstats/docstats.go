// Package docstats builds the document-store reports that sit next to the
// recall tooling: ranked students and nginx access-log statistics.
package docstats

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection is the subset of *mongo.Collection the reports use.
type Collection interface {
	Aggregate(ctx context.Context, pipeline any, opts ...options.Lister[options.AggregateOptions]) (*mongo.Cursor, error)
	CountDocuments(ctx context.Context, filter any, opts ...options.Lister[options.CountOptions]) (int64, error)
}

var _ Collection = (*mongo.Collection)(nil)

// Methods are the HTTP methods counted by NginxStats, in report order.
var Methods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}

const topIPLimit = 10

// Student is one row of the TopStudents ranking.
type Student struct {
	ID           bson.ObjectID `bson:"_id,omitempty"`
	Name         string        `bson:"name"`
	AverageScore float64       `bson:"averageScore"`
}

// TopStudents returns every student ordered by descending average topic score.
func TopStudents(ctx context.Context, coll Collection) ([]Student, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$project", Value: bson.D{
			{Key: "name", Value: "$name"},
			{Key: "averageScore", Value: bson.D{{Key: "$avg", Value: "$topics.score"}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "averageScore", Value: -1}}}},
	}
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate top students: %w", err)
	}
	students := []Student{}
	if err := cursor.All(ctx, &students); err != nil {
		return nil, fmt.Errorf("decode top students: %w", err)
	}
	return students, nil
}

// MethodCount is the number of requests logged for one HTTP method.
type MethodCount struct {
	Method string
	Count  int64
}

// IPCount is the number of requests logged for one client address.
type IPCount struct {
	IP    string `bson:"ip"`
	Count int64  `bson:"count"`
}

// NginxReport summarizes an nginx access-log collection.
type NginxReport struct {
	Total        int64
	Methods      []MethodCount
	StatusChecks int64
	TopIPs       []IPCount
}

// NginxStats counts logs overall, per method, GET /status checks, and the
// ten busiest client IPs.
func NginxStats(ctx context.Context, coll Collection) (NginxReport, error) {
	var report NginxReport
	total, err := coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return NginxReport{}, fmt.Errorf("count logs: %w", err)
	}
	report.Total = total

	for _, method := range Methods {
		n, err := coll.CountDocuments(ctx, bson.D{{Key: "method", Value: method}})
		if err != nil {
			return NginxReport{}, fmt.Errorf("count %s logs: %w", method, err)
		}
		report.Methods = append(report.Methods, MethodCount{Method: method, Count: n})
	}

	report.StatusChecks, err = coll.CountDocuments(ctx, bson.D{
		{Key: "method", Value: "GET"},
		{Key: "path", Value: "/status"},
	})
	if err != nil {
		return NginxReport{}, fmt.Errorf("count status checks: %w", err)
	}

	report.TopIPs, err = topIPs(ctx, coll)
	if err != nil {
		return NginxReport{}, err
	}
	return report, nil
}

func topIPs(ctx context.Context, coll Collection) ([]IPCount, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$ip"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}}}},
		{{Key: "$limit", Value: topIPLimit}},
		{{Key: "$project", Value: bson.D{
			{Key: "_id", Value: 0},
			{Key: "ip", Value: "$_id"},
			{Key: "count", Value: 1},
		}}},
	}
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate top ips: %w", err)
	}
	ips := []IPCount{}
	if err := cursor.All(ctx, &ips); err != nil {
		return nil, fmt.Errorf("decode top ips: %w", err)
	}
	return ips, nil
}

// WriteTo renders the report in the classic log_stats layout.
func (r NginxReport) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%d logs\n", r.Total)
	b.WriteString("Methods:\n")
	for _, m := range r.Methods {
		fmt.Fprintf(&b, "\tmethod %s: %d\n", m.Method, m.Count)
	}
	fmt.Fprintf(&b, "%d status check\n", r.StatusChecks)
	b.WriteString("IPs:\n")
	for _, ip := range r.TopIPs {
		fmt.Fprintf(&b, "\t%s: %d\n", ip.IP, ip.Count)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
