package feeds

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZipExtractor_Extract(t *testing.T) {
	dir := t.TempDir()
	z := NewZipExtractor(dir)

	entries, err := z.Extract(context.Background(), "package.zip", buildZip(t,
		zipMember{"data/attributes.json", `[]`},
		zipMember{"README", "hello"},
	))

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "data/attributes.json", entries[0].Name)
	assert.Equal(t, "[]", string(entries[0].Data))
	assert.Equal(t, "README", entries[1].Name)

	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, left, "nothing should be written without KeepFiles")
}

func TestZipExtractor_KeepFiles(t *testing.T) {
	dir := t.TempDir()
	z := NewZipExtractor(dir)
	z.KeepFiles = true

	_, err := z.Extract(context.Background(), "../../nested/package.zip", buildZip(t, zipMember{"data/attributes.json", `[1]`}))
	require.NoError(t, err)
	_, err = z.Extract(context.Background(), "package.zip", buildZip(t, zipMember{"data/attributes.json", `[2]`}))
	require.NoError(t, err)

	kept, err := filepath.Glob(filepath.Join(dir, "package-*"))
	require.NoError(t, err)
	require.Len(t, kept, 2, "each extraction gets its own directory")

	var bodies []string
	for _, d := range kept {
		assert.FileExists(t, filepath.Join(d, "package.zip"))
		data, err := os.ReadFile(filepath.Join(d, "data", "attributes.json"))
		require.NoError(t, err)
		bodies = append(bodies, string(data))
	}
	assert.ElementsMatch(t, []string{"[1]", "[2]"}, bodies)
}

func TestZipExtractor_ConcurrentSameName(t *testing.T) {
	for _, keep := range []bool{false, true} {
		t.Run(fmt.Sprintf("keep=%v", keep), func(t *testing.T) {
			z := NewZipExtractor(t.TempDir())
			z.KeepFiles = keep

			const workers, rounds = 4, 10
			archives := make([][]byte, workers)
			for i := range archives {
				archives[i] = buildZip(t, zipMember{"attributes.json", strings.Repeat(strconv.Itoa(i), 256*1024)})
			}

			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					want := strings.Repeat(strconv.Itoa(i), 256*1024)
					for r := 0; r < rounds; r++ {
						entries, err := z.Extract(context.Background(), "package.zip", archives[i])
						if !assert.NoError(t, err) || !assert.Len(t, entries, 1) {
							return
						}
						assert.True(t, string(entries[0].Data) == want, "worker %d got another archive's members", i)
					}
				}(i)
			}
			wg.Wait()
		})
	}
}

func TestZipExtractor_Rejects(t *testing.T) {
	ctx := context.Background()

	_, err := NewZipExtractor(t.TempDir()).Extract(ctx, "a.zip", buildZip(t))
	assert.ErrorIs(t, err, ErrEmptyArchive)

	_, err = NewZipExtractor(t.TempDir()).Extract(ctx, "b.zip", []byte("definitely not a zip"))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = NewZipExtractor(t.TempDir()).Extract(ctx, "c.zip", buildZip(t, zipMember{"../../escape.txt", "x"}))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	small := NewZipExtractor(t.TempDir())
	small.MaxEntryBytes = 4
	_, err = small.Extract(ctx, "d.zip", buildZip(t, zipMember{"big.json", "0123456789"}))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
