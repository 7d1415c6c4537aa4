package contacts_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/journeys/pkg/contacts"
	"github.com/dukex/journeys/pkg/testutil"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestStatic_Attributes(t *testing.T) {
	ctx := context.Background()
	store := contacts.NewStatic(map[string]map[string]any{
		"c-1": {"first_name": "Ada", "plan": "pro"},
	})

	attributes, err := store.Attributes(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", attributes["first_name"])

	// Callers cannot mutate the stored attributes.
	attributes["first_name"] = "Grace"

	attributes, err = store.Attributes(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", attributes["first_name"])

	unknown, err := store.Attributes(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, unknown)
}

func TestStatic_Writes(t *testing.T) {
	ctx := context.Background()
	store := contacts.NewStatic(nil)

	require.NoError(t, store.SetFields(ctx, "c-1", map[string]any{"lifecycle": "mql"}))
	require.NoError(t, store.AddTags(ctx, "c-1", "webinar", "hot"))
	require.NoError(t, store.AddTags(ctx, "c-1", "hot", "pricing"))

	attributes, err := store.Attributes(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "mql", attributes["lifecycle"])
	assert.Equal(t, []string{"webinar", "hot", "pricing"}, attributes[contacts.TagsAttribute])
}

func TestMergeTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, contacts.MergeTags([]string{"a", "b"}, "b", "c", ""))
	assert.Equal(t, []string{"x"}, contacts.MergeTags(nil, "x"))
}

func TestRedis_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() {
		_ = client.Close()
	})

	// Attributes written by another system are plain strings.
	require.NoError(t, client.HSet(ctx, "contact:c-1", "company", "Acme Inc").Err())

	store := contacts.NewRedis(client, testutil.Logger())

	require.NoError(t, store.SetFields(ctx, "c-1", map[string]any{"employees": 250, "customer": true}))
	require.NoError(t, store.AddTags(ctx, "c-1", "enterprise"))

	attributes, err := store.Attributes(ctx, "c-1")
	require.NoError(t, err)

	assert.Equal(t, "Acme Inc", attributes["company"])
	assert.InDelta(t, 250.0, attributes["employees"], 0.001)
	assert.Equal(t, true, attributes["customer"])
	assert.Equal(t, []string{"enterprise"}, attributes[contacts.TagsAttribute])

	empty, err := store.Attributes(ctx, "c-404")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
