package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEmbedder struct {
	text string
	err  error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.text = text
	return []float32{0.1, 0.2}, f.err
}

func TestStatic(t *testing.T) {
	out, err := Static{}.Retrieve(context.Background(), Query{Crop: "wheat", Stage: "Vegetative"})
	require.NoError(t, err)
	assert.Equal(t, "Standard agricultural manual recommends focus on irrigation and nitrogen-based fertilizer during the Vegetative phase of wheat.", out)
}

func TestPineconeQuery(t *testing.T) {
	var got pineconeQuery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "pc-key", r.Header.Get("Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"matches":[
			{"id":"1","score":0.9,"metadata":{"text":"Irrigate at crown root initiation."}},
			{"id":"2","score":0.8,"metadata":{"source":"no text"}},
			{"id":"3","score":0.7,"metadata":{"text":"Top dress with urea."}}]}`))
	}))
	defer srv.Close()

	emb := &fakeEmbedder{}
	p := Pinecone{Embedder: emb, Host: srv.URL, APIKey: "pc-key", Namespace: "manuals", Client: srv.Client()}
	out, err := p.Retrieve(context.Background(), Query{Crop: "wheat", Stage: "Vegetative", Question: "when to water?"})
	require.NoError(t, err)
	assert.Equal(t, "Irrigate at crown root initiation.\nTop dress with urea.", out)
	assert.Equal(t, "Scientific guidance for wheat at Vegetative stage. when to water?", emb.text)
	assert.Equal(t, 3, got.TopK)
	assert.True(t, got.IncludeMetadata)
	assert.Equal(t, "manuals", got.Namespace)
	assert.Equal(t, []float32{0.1, 0.2}, got.Vector)
}

func TestServiceFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index not found", http.StatusNotFound)
	}))
	defer srv.Close()

	q := Query{Crop: "rice", Stage: "Tillering"}
	want, _ := Static{}.Retrieve(context.Background(), q)

	s := Service{Primary: Pinecone{Embedder: &fakeEmbedder{}, Host: srv.URL, Client: srv.Client()}, Logger: zap.NewNop()}
	out, err := s.Retrieve(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, want, out)

	s = Service{Primary: Pinecone{Embedder: &fakeEmbedder{err: errors.New("quota")}, Host: srv.URL}}
	out, err = s.Retrieve(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, want, out)

	out, err = Service{}.Retrieve(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, want, out)
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "https://idx.svc.pinecone.io/query", Pinecone{Host: "idx.svc.pinecone.io/"}.endpoint())
	assert.Equal(t, "http://localhost:5080/query", Pinecone{Host: "http://localhost:5080"}.endpoint())
}
