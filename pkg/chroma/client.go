package chroma

import (
	"context"
	"fmt"
	"log"
	"os"

	"mailsync-backend/pkg/config"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings/gemini"
)

// Mirror keeps a best-effort copy of embedded messages in a Chroma
// collection so they can be searched semantically. Postgres stays the
// source of truth; mirror failures are logged, never fatal.
type Mirror struct {
	client     chroma.Client
	embedFunc  *gemini.GeminiEmbeddingFunction
	collection chroma.Collection
}

// NewMirror connects to Chroma Cloud and ensures the messages collection
// exists. Returns nil without error when no API key is configured.
func NewMirror(cfg *config.Config) (*Mirror, error) {
	if cfg.ChromaAPIKey == "" {
		return nil, nil
	}

	if cfg.GeminiApiKey != "" {
		os.Setenv("GEMINI_API_KEY", cfg.GeminiApiKey)
	}

	embedFunc, err := gemini.NewGeminiEmbeddingFunction(
		gemini.WithEnvAPIKey(),
		gemini.WithDefaultModel("text-embedding-004"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini embedding function: %w", err)
	}

	var client chroma.Client
	if cfg.ChromaDatabase != "" && cfg.ChromaTenant != "" {
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.ChromaAPIKey),
			chroma.WithDatabaseAndTenant(cfg.ChromaDatabase, cfg.ChromaTenant),
		)
	} else if cfg.ChromaTenant != "" {
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.ChromaAPIKey),
			chroma.WithTenant(cfg.ChromaTenant),
		)
	} else {
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.ChromaAPIKey),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Chroma client: %w", err)
	}

	ctx := context.Background()
	collection, err := client.GetOrCreateCollection(
		ctx,
		"messages",
		chroma.WithEmbeddingFunctionCreate(embedFunc),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	log.Printf("[Chroma] Initialized mirror with collection: messages")

	return &Mirror{
		client:     client,
		embedFunc:  embedFunc,
		collection: collection,
	}, nil
}

// documentID derives a stable id for one message from its folder and UID.
func documentID(folder string, uid uint32) chroma.DocumentID {
	return chroma.DocumentID(fmt.Sprintf("%s/%d", folder, uid))
}

// UpsertMessage mirrors one message. The same (folder, uid) pair always
// maps to the same document, so repeated syncs never create duplicates.
func (m *Mirror) UpsertMessage(ctx context.Context, folder string, uid uint32, subject, body string) error {
	text := fmt.Sprintf("Subject: %s\n\n%s", subject, body)
	if len(text) > 10000 {
		text = text[:10000]
	}

	metadata, err := chroma.NewDocumentMetadataFromMap(map[string]interface{}{
		"folder":  folder,
		"uid":     int(uid),
		"subject": subject,
	})
	if err != nil {
		return fmt.Errorf("failed to create metadata: %w", err)
	}

	err = m.collection.Upsert(
		ctx,
		chroma.WithIDs(documentID(folder, uid)),
		chroma.WithMetadatas(metadata),
		chroma.WithTexts(text),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

// DeleteMessage removes one mirrored message.
func (m *Mirror) DeleteMessage(ctx context.Context, folder string, uid uint32) error {
	err := m.collection.Delete(ctx, chroma.WithIDsDelete(documentID(folder, uid)))
	if err != nil {
		return fmt.Errorf("failed to delete mirrored message: %w", err)
	}
	return nil
}

// Search returns mirrored document ids ranked by semantic similarity to
// the query, optionally restricted to one folder.
func (m *Mirror) Search(ctx context.Context, folder, query string, limit int) ([]string, []float64, error) {
	opts := []chroma.CollectionQueryOption{
		chroma.WithQueryTexts(query),
		chroma.WithNResults(limit),
	}
	if folder != "" {
		opts = append(opts, chroma.WithWhereQuery(chroma.EqString("folder", folder)))
	}

	results, err := m.collection.Query(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query collection: %w", err)
	}
	if results == nil || results.CountGroups() == 0 {
		return []string{}, []float64{}, nil
	}

	idGroups := results.GetIDGroups()
	if len(idGroups) == 0 || len(idGroups[0]) == 0 {
		return []string{}, []float64{}, nil
	}

	ids := make([]string, 0, len(idGroups[0]))
	for _, id := range idGroups[0] {
		ids = append(ids, string(id))
	}

	distances := []float64{}
	if groups := results.GetDistancesGroups(); len(groups) > 0 {
		for _, d := range groups[0] {
			distances = append(distances, float64(d))
		}
	}
	return ids, distances, nil
}
