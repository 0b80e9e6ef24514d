package tagstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tagging-cli/internal/backup"
	"github.com/sells-group/tagging-cli/internal/fsutil"
	"github.com/sells-group/tagging-cli/internal/model"
)

type env struct {
	dir     string
	path    string
	backups string
	saveLog string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	return env{
		dir:     dir,
		path:    filepath.Join(dir, "tagged_data.csv"),
		backups: filepath.Join(dir, "backups"),
		saveLog: filepath.Join(dir, "save_log.txt"),
	}
}

func (e env) store(minRows int) *Store {
	engine := backup.New(backup.Config{Dir: e.backups, MainPath: e.path})
	return New(Config{
		Path:        e.path,
		MinRows:     minRows,
		LockTimeout: 5 * time.Second,
		SaveLog:     e.saveLog,
	}, engine)
}

func rec(key, tagger string) model.TaggedRecord {
	return model.TaggedRecord{Key: key, StyleCode: "S-" + key, StyleCategory: "RING", Tagger: tagger}
}

func seed(t *testing.T, e env, n int) {
	t.Helper()
	var records []model.TaggedRecord
	for i := range n {
		records = append(records, rec(fmt.Sprintf("seed_%02d.jpg", i), "seeder"))
	}
	data, err := Encode(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(e.path, data, 0o644))
}

func dirListing(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return out
	}
	require.NoError(t, err)
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		require.NoError(t, err)
		out[entry.Name()] = string(data)
	}
	return out
}

func TestLoad_MissingAndEmpty(t *testing.T) {
	e := newEnv(t)
	s := e.store(0)

	records, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, os.WriteFile(e.path, nil, 0o644))
	records, err = s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, os.WriteFile(e.path, []byte("\n  \n"), 0o644))
	records, err = s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLoad_LegacyLayout(t *testing.T) {
	e := newEnv(t)
	legacy := "\ufefffilename,style_cd,style_category,ring_type,chain_type,metal_color,gender,is_set\n" +
		"a.jpg,S1,RING,BRIDAL,,W,LADIES,True\n" +
		"b.jpg,S2,NECKLACE,,ROPE,Y,MENS,False\n"
	require.NoError(t, os.WriteFile(e.path, []byte(legacy), 0o644))

	records, err := e.store(0).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a.jpg", records[0].Key)
	assert.Equal(t, model.SchemaV1, records[0].SchemaVersion)
	assert.True(t, records[0].IsSet)
	assert.Equal(t, "ROPE", records[1].ChainType)
	assert.Empty(t, records[1].Tagger)
}

func TestLoad_CorruptFileIsError(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(e.path, []byte("original_filename\n\"a.jpg\n"), 0o644))

	_, err := e.store(0).Load(context.Background())
	assert.Error(t, err)
}

func TestLoad_RowWithoutKeyIsError(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(e.path, []byte("original_filename,style_cd\n,S1\n"), 0o644))

	_, err := e.store(0).Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrMissingKey))
	assert.Contains(t, err.Error(), "row 2")
}

func TestEncodeDecode_ExtrasSurvive(t *testing.T) {
	records := []model.TaggedRecord{
		{Key: "a.jpg", StoneShapes: []string{"OVAL", "ROUND"}, Extra: map[string]string{"reviewer": "kim"}},
		{Key: "b.jpg", CannotViewImage: true},
	}
	data, err := Encode(records)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.SplitN(string(data), "\n", 2)[0], ",reviewer"))

	got, err := Decode(strings.NewReader(string(data)))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"OVAL", "ROUND"}, got[0].StoneShapes)
	assert.Equal(t, "kim", got[0].Extra["reviewer"])
	assert.True(t, got[1].CannotViewImage)
	assert.Equal(t, model.CurrentSchemaVersion, got[1].SchemaVersion)
}

func TestAppend_DoesNotMutateInput(t *testing.T) {
	base := make([]model.TaggedRecord, 1, 4)
	base[0] = rec("a.jpg", "x")

	first := Append(base, rec("b.jpg", "x"))
	second := Append(base, rec("c.jpg", "x"))

	assert.Len(t, base, 1)
	assert.Equal(t, "b.jpg", first[1].Key)
	assert.Equal(t, "c.jpg", second[1].Key)
}

func TestResolveDuplicates(t *testing.T) {
	a1 := rec("a.jpg", "first")
	b := rec("b.jpg", "x")
	a2 := rec("a.jpg", "second")
	c := rec("c.jpg", "x")

	got := ResolveDuplicates([]model.TaggedRecord{a1, b, a2, c})
	require.Len(t, got, 3)
	assert.Equal(t, []string{"b.jpg", "a.jpg", "c.jpg"}, []string{got[0].Key, got[1].Key, got[2].Key})
	assert.Equal(t, "second", got[1].Tagger)

	// Idempotent.
	assert.Equal(t, got, ResolveDuplicates(got))
	assert.Empty(t, ResolveDuplicates(nil))
}

func TestSave_LastWriteWins(t *testing.T) {
	e := newEnv(t)
	s := e.store(0)
	ctx := context.Background()

	first := rec("a.jpg", "ana")
	first.Comments = "first try"
	res, err := s.Save(ctx, first)
	require.NoError(t, err)
	assert.False(t, res.Replaced)
	assert.Equal(t, 1, res.Rows)

	for range 3 {
		second := rec("a.jpg", "ana")
		second.Comments = "corrected"
		res, err = s.Save(ctx, second)
		require.NoError(t, err)
		assert.True(t, res.Replaced)
		assert.Equal(t, 1, res.Rows)
	}

	records, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "corrected", records[0].Comments)
	assert.Equal(t, model.CurrentSchemaVersion, records[0].SchemaVersion)
	assert.False(t, records[0].SavedAt.IsZero())
}

func TestSave_SnapshotsEverySave(t *testing.T) {
	e := newEnv(t)
	s := e.store(0)
	ctx := context.Background()

	var paths []string
	for i := range 3 {
		res, err := s.Save(ctx, rec(fmt.Sprintf("k%d.jpg", i), "ana"))
		require.NoError(t, err)
		require.NotEmpty(t, res.BackupPath)
		paths = append(paths, res.BackupPath)
	}
	assert.Len(t, dirListing(t, e.backups), 3)

	// The latest snapshot is byte-identical to the main file.
	main, err := os.ReadFile(e.path)
	require.NoError(t, err)
	last, err := os.ReadFile(paths[2])
	require.NoError(t, err)
	assert.Equal(t, main, last)
}

func TestSave_WritesSaveLog(t *testing.T) {
	e := newEnv(t)
	_, err := e.store(0).Save(context.Background(), rec("a.jpg", "ana"))
	require.NoError(t, err)

	data, err := os.ReadFile(e.saveLog)
	require.NoError(t, err)
	assert.Contains(t, string(data), "] Saved a.jpg by ana (0 -> 1 rows): "+e.path)
}

func TestSave_MissingKey(t *testing.T) {
	e := newEnv(t)
	_, err := e.store(0).Save(context.Background(), model.TaggedRecord{Tagger: "ana"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrMissingKey))
	assert.NoFileExists(t, e.path)
}

func TestSave_GrowsFromEmptyBelowFloor(t *testing.T) {
	e := newEnv(t)
	s := e.store(10)

	res, err := s.Save(context.Background(), rec("a.jpg", "ana"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rows)
}

func TestPersist_GuardFloorLeavesDiskUntouched(t *testing.T) {
	e := newEnv(t)
	seed(t, e, 12)
	s := e.store(10)

	// An earlier snapshot exists too.
	_, err := s.Persist(context.Background(), mustLoad(t, s))
	require.NoError(t, err)

	beforeMain, err := os.ReadFile(e.path)
	require.NoError(t, err)
	beforeBackups := dirListing(t, e.backups)

	_, err = s.Persist(context.Background(), []model.TaggedRecord{rec("only.jpg", "x"), rec("two.jpg", "x")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBelowFloor))

	afterMain, err := os.ReadFile(e.path)
	require.NoError(t, err)
	assert.Equal(t, beforeMain, afterMain)
	assert.Equal(t, beforeBackups, dirListing(t, e.backups))
}

func TestPersist_EmptyStoreRejectedOverData(t *testing.T) {
	e := newEnv(t)
	seed(t, e, 3)
	s := e.store(10)

	before, err := os.ReadFile(e.path)
	require.NoError(t, err)

	_, err = s.Persist(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrBelowFloor))

	after, err := os.ReadFile(e.path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, dirListing(t, e.backups))
}

func TestPersist_AboveFloorMayShrink(t *testing.T) {
	e := newEnv(t)
	seed(t, e, 15)
	s := e.store(10)

	records := mustLoad(t, s)[:11]
	_, err := s.Persist(context.Background(), records)
	require.NoError(t, err)
	assert.Len(t, mustLoad(t, s), 11)
}

func TestPersist_MaxShrink(t *testing.T) {
	tests := []struct {
		name    string
		keep    int
		wantErr bool
	}{
		{name: "drastic shrink above floor", keep: 10, wantErr: true},
		{name: "within allowance", keep: 60, wantErr: false},
		{name: "exactly at allowance", keep: 50, wantErr: false},
		{name: "unchanged size", keep: 100, wantErr: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			seed(t, e, 100)
			s := e.store(3)
			s.maxShrink = 0.5

			before, err := os.ReadFile(e.path)
			require.NoError(t, err)

			_, err = s.Persist(context.Background(), mustLoad(t, s)[:tt.keep])
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Len(t, mustLoad(t, s), tt.keep)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBelowFloor))
			assert.Contains(t, err.Error(), "max shrink 50%")
			after, err := os.ReadFile(e.path)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Empty(t, dirListing(t, e.backups))
		})
	}
}

func TestSave_NotBlockedByMaxShrink(t *testing.T) {
	e := newEnv(t)
	seed(t, e, 4)
	s := e.store(3)
	s.maxShrink = 0.1

	res, err := s.Save(context.Background(), rec("seed_00.jpg", "ana"))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Rows)
	assert.True(t, res.Replaced)
}

func TestSave_TwoSessionsReloadBeforeWrite(t *testing.T) {
	e := newEnv(t)
	seed(t, e, 10)
	ctx := context.Background()

	// Separate Store values stand in for separate processes.
	s1 := e.store(10)
	s2 := e.store(10)

	view1 := mustLoad(t, s1)
	view2 := mustLoad(t, s2)
	require.Len(t, view1, 10)
	require.Len(t, view2, 10)

	res1, err := s1.Save(ctx, rec("new_1.jpg", "ana"))
	require.NoError(t, err)
	assert.Equal(t, 11, res1.Rows)

	res2, err := s2.Save(ctx, rec("new_2.jpg", "ben"))
	require.NoError(t, err)
	assert.Equal(t, 11, res2.PrevRows)
	assert.Equal(t, 12, res2.Rows)

	keys := model.KeySet(mustLoad(t, s1))
	assert.Contains(t, keys, "new_1.jpg")
	assert.Contains(t, keys, "new_2.jpg")
}

func TestSave_ConcurrentWritersLoseNothing(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("advisory locks are unix-only")
	}
	e := newEnv(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.store(0).Save(ctx, rec(fmt.Sprintf("w%d.jpg", i), "w"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, mustLoad(t, e.store(0)), writers)
}

func TestSave_LockTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("advisory locks are unix-only")
	}
	e := newEnv(t)
	held, err := fsutil.Acquire(context.Background(), e.path+".lock", time.Second)
	require.NoError(t, err)
	defer held.Release() //nolint:errcheck

	s := e.store(0)
	s.lockTimeout = 50 * time.Millisecond

	_, err = s.Save(context.Background(), rec("a.jpg", "ana"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.NoFileExists(t, e.path)
}

func TestCountByTagger(t *testing.T) {
	counts := CountByTagger([]model.TaggedRecord{
		rec("a.jpg", "ana"),
		rec("b.jpg", "ana"),
		rec("a.jpg", "ben"),
		rec("c.jpg", ""),
	})
	assert.Equal(t, map[string]int{"ana": 1, "ben": 1, "": 1}, counts)
}

func mustLoad(t *testing.T, s *Store) []model.TaggedRecord {
	t.Helper()
	records, err := s.Load(context.Background())
	require.NoError(t, err)
	return records
}
