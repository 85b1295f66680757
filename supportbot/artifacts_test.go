package supportbot

import (
	"archive/zip"
	"bytes"
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// testZip builds a zip archive from a map of file names to contents
func testZip(t testing.TB, files map[string]string, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractJar(t *testing.T) {
	files := map[string]string{
		"README.md":                     "readme",
		"libs/SkyHanni-1.0-sources.jar": "sources",
		"libs/SkyHanni-1.0-javadoc.jar": "javadoc",
		"libs/SkyHanni-1.0.jar":         "the jar",
	}
	data := testZip(
		t, files,
		"README.md", "libs/SkyHanni-1.0-sources.jar", "libs/SkyHanni-1.0-javadoc.jar", "libs/SkyHanni-1.0.jar",
	)

	name, content, err := extractJar(data, 0)
	require.NoError(t, err)
	assert.Equal(t, "SkyHanni-1.0.jar", name)
	assert.Equal(t, []byte("the jar"), content)

	_, _, err = extractJar(data, 3)
	assert.ErrorIs(t, err, errArtifactTooLarge)
}

func TestExtractJar_NoJar(t *testing.T) {
	data := testZip(t, map[string]string{"build.log": "ok"}, "build.log")
	_, _, err := extractJar(data, 0)
	assert.ErrorIs(t, err, errNoJarInArtifact)

	_, _, err = extractJar([]byte("not a zip"), 0)
	assert.Error(t, err)
}

func newTestArtifactQueue(size int, maxAge time.Duration) *ArtifactQueue {
	return NewArtifactQueue(&ArtifactConfig{QueueSize: size, MaxAge: maxAge}, slog.Default())
}

func TestArtifactQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestArtifactQueue(5, 0)

	for i := 1; i <= 3; i++ {
		pos, err := q.Push(ctx, &ArtifactJob{PRNumber: i})
		require.NoError(t, err)
		assert.Equal(t, i, pos)
	}
	assert.Equal(t, 3, q.Len())

	for i := 1; i <= 3; i++ {
		job := q.Pop(ctx)
		require.NotNil(t, job)
		assert.Equal(t, i, job.PRNumber)
	}
	assert.Nil(t, q.Pop(ctx))
}

func TestArtifactQueue_DropsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	q := newTestArtifactQueue(2, 0)

	for i := 1; i <= 3; i++ {
		_, err := q.Push(ctx, &ArtifactJob{PRNumber: i})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Pop(ctx).PRNumber)
	assert.Equal(t, 3, q.Pop(ctx).PRNumber)
}

func TestArtifactQueue_MaxAge(t *testing.T) {
	ctx := context.Background()
	q := newTestArtifactQueue(5, time.Minute)

	_, err := q.Push(ctx, &ArtifactJob{PRNumber: 1, CreatedAt: time.Now().Add(-time.Hour)})
	assert.ErrorIs(t, err, errArtifactJobTooOld)

	job := &ArtifactJob{PRNumber: 2}
	_, err = q.Push(ctx, job)
	require.NoError(t, err)
	_, err = q.Push(ctx, &ArtifactJob{PRNumber: 3})
	require.NoError(t, err)

	// the first job aged out while it was queued
	job.CreatedAt = time.Now().Add(-time.Hour)
	next := q.Pop(ctx)
	require.NotNil(t, next)
	assert.Equal(t, 3, next.PRNumber)

	q.Clear()
	assert.Equal(t, 0, q.Len())
}

func TestArtifactWorker_Uploads(t *testing.T) {
	bot := newTestBot(t)
	bot.gh.archives[10] = testZip(t, map[string]string{"SkyHanni.jar": "jar bytes"}, "SkyHanni.jar")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bot.artifactWorker.Run(ctx)
	}()
	t.Cleanup(
		func() {
			cancel()
			<-done
		},
	)

	ref := &discordgo.MessageReference{MessageID: "1", ChannelID: testOtherChannelID}
	_, err := bot.artifactQueue.Push(
		ctx, &ArtifactJob{
			PRNumber:     42,
			ArtifactID:   10,
			ArtifactName: "build",
			ChannelID:    testOtherChannelID,
			Reference:    ref,
		},
	)
	require.NoError(t, err)
	_, err = bot.artifactQueue.Push(ctx, &ArtifactJob{PRNumber: 43, ArtifactID: 11, ChannelID: testOtherChannelID})
	require.NoError(t, err)

	require.Eventually(
		t, func() bool {
			return len(bot.session.Sent()) == 2
		}, 5*time.Second, 10*time.Millisecond,
	)
	sent := bot.session.Sent()

	upload := sent[0].Data
	assert.Equal(t, "Build of PR #42 (build)", upload.Content)
	assert.Same(t, ref, upload.Reference)
	require.Len(t, upload.Files, 1)
	assert.Equal(t, "SkyHanni.jar", upload.Files[0].Name)
	content, err := io.ReadAll(upload.Files[0].Reader)
	require.NoError(t, err)
	assert.Equal(t, "jar bytes", string(content))

	failure := sent[1].Data
	assert.True(t, strings.HasPrefix(failure.Content, "PR #43: "), failure.Content)
	assert.Empty(t, failure.Files)
}
