package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/ohsnyt/touscheduler/pkg/log"
	"github.com/ohsnyt/touscheduler/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements Provider using Google Cloud Firestore, for
// deployments where the scheduler runs off-site (e.g. Cloud Run ticked by
// Cloud Scheduler) and local disk is not durable.
//
// Layout: plants/{plantID}/config/{shading,forecast_cache} for the blobs,
// plants/{plantID}/energy_samples and plan_history for the time series, with
// RFC3339 document IDs so range reads are ID-range queries.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	plantID   string
}

// configuredFirestore sets up the Firestore provider and registers its flags.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	plantID := lflag.String("firestore-plant-id", "default", "Document key for this plant's state")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.plantID = *plantID

		// set this because that's how the firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Init initializes the Firestore client. Must be called before use.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) collection(name string) *firestore.CollectionRef {
	return f.client.Collection("plants").Doc(f.plantID).Collection(name)
}

// getBlob reads a config document holding a JSON string under "json".
func (f *FirestoreProvider) getBlob(ctx context.Context, name string, v any) error {
	doc, err := f.collection("config").Doc(name).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to fetch %s doc: %w", name, err)
	}
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("%s document missing 'json' field: %w", name, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("%s 'json' field is not a string", name)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		return fmt.Errorf("failed to unmarshal %s json: %w", name, err)
	}
	return nil
}

func (f *FirestoreProvider) setBlob(ctx context.Context, name string, v any) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	_, err = f.collection("config").Doc(name).Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"updated": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", name, err)
	}
	return nil
}

// GetShading reads the persisted shading map.
func (f *FirestoreProvider) GetShading(ctx context.Context) (types.HourlyMap, error) {
	var m types.HourlyMap
	if err := f.getBlob(ctx, "shading", &m); err != nil {
		return nil, err
	}
	m.Normalize(0)
	return m, nil
}

// SetShading persists the shading map.
func (f *FirestoreProvider) SetShading(ctx context.Context, m types.HourlyMap) error {
	return f.setBlob(ctx, "shading", m)
}

// GetForecastCache reads the cached raw forecast response.
func (f *FirestoreProvider) GetForecastCache(ctx context.Context) (ForecastCache, error) {
	var c ForecastCache
	if err := f.getBlob(ctx, "forecast_cache", &c); err != nil {
		return ForecastCache{}, err
	}
	return c, nil
}

// SetForecastCache persists the raw forecast response.
func (f *FirestoreProvider) SetForecastCache(ctx context.Context, c ForecastCache) error {
	return f.setBlob(ctx, "forecast_cache", c)
}

// UpsertEnergySample adds or replaces the sample document for its hour.
// The document ID is the RFC3339 hour start for ID-range queries.
func (f *FirestoreProvider) UpsertEnergySample(ctx context.Context, s types.EnergySample) error {
	if s.TSHourStart.IsZero() {
		return fmt.Errorf("energy sample missing tsHourStart")
	}
	jsonBytes, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal energy sample: %w", err)
	}

	coll := f.collection("energy_samples")
	docID := s.TSHourStart.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": s.TSHourStart,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert energy sample: %w", err)
	}
	return nil
}

// GetEnergySamples returns samples within [start, end), oldest first.
func (f *FirestoreProvider) GetEnergySamples(ctx context.Context, start, end time.Time) ([]types.EnergySample, error) {
	coll := f.collection("energy_samples")
	startDocID := start.Truncate(time.Hour).UTC().Format(time.RFC3339)
	endDocID := end.Truncate(time.Hour).UTC().Format(time.RFC3339)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []types.EnergySample
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating energy samples: %w", err)
		}

		var s types.EnergySample
		if err := decodeDoc(doc, &s); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed energy sample", slog.String("docID", doc.Ref.ID), slog.Any("error", err))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// InsertPlanRecord appends a plan record to the audit log.
func (f *FirestoreProvider) InsertPlanRecord(ctx context.Context, rec types.PlanRecord) error {
	jsonBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal plan record: %w", err)
	}

	coll := f.collection("plan_history")
	docID := rec.Timestamp.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": rec.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert plan record: %w", err)
	}
	return nil
}

// GetPlanRecords returns plan records within [start, end), oldest first.
func (f *FirestoreProvider) GetPlanRecords(ctx context.Context, start, end time.Time) ([]types.PlanRecord, error) {
	coll := f.collection("plan_history")
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []types.PlanRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating plan records: %w", err)
		}

		var rec types.PlanRecord
		if err := decodeDoc(doc, &rec); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed plan record", slog.String("docID", doc.Ref.ID), slog.Any("error", err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeDoc(doc *firestore.DocumentSnapshot, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("'json' field is not a string")
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}
