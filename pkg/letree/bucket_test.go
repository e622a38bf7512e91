package letree

import "testing"

func Test_Bucket_Put_Then_Get_Returns_The_Stored_Value(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	b := mustNewBucket(t, s)

	if st := mustPutBucket(t, b, 10, 100); st != statusOK {
		t.Fatalf("put = %v, want OK", st)
	}

	v, st := b.get(10)
	if st != statusOK || v != 100 {
		t.Fatalf("get = (%d, %v), want (100, OK)", v, st)
	}

	if _, st := b.get(11); st != statusNoExist {
		t.Fatalf("get missing = %v, want NoExist", st)
	}
}

func Test_Bucket_Rejects_Duplicate_Keys(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	b := mustNewBucket(t, s)

	mustPutBucket(t, b, 5, 50)

	if st := mustPutBucket(t, b, 5, 51); st != statusExists {
		t.Fatalf("duplicate put = %v, want Exists", st)
	}

	// The original value is untouched.
	if v, _ := b.get(5); v != 50 {
		t.Fatalf("value after duplicate put = %d, want 50", v)
	}
}

func Test_Bucket_Returns_Full_At_Capacity(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	b := mustNewBucket(t, s)

	for i := 0; i < bucketMaxEntries; i++ {
		if st := mustPutBucket(t, b, uint64(i), uint64(i)); st != statusOK {
			t.Fatalf("put %d = %v, want OK", i, st)
		}
	}

	if st := mustPutBucket(t, b, 999, 999); st != statusFull {
		t.Fatalf("put past capacity = %v, want Full", st)
	}

	if got := b.entries(); got != bucketMaxEntries {
		t.Fatalf("entries = %d, want %d", got, bucketMaxEntries)
	}
}

func Test_Bucket_Update_Overwrites_In_Place(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	b := mustNewBucket(t, s)

	mustPutBucket(t, b, 1, 10)

	if st, err := b.update(1, 999); err != nil || st != statusOK {
		t.Fatalf("update = (%v, %v)", st, err)
	}

	if v, _ := b.get(1); v != 999 {
		t.Fatalf("value after update = %d, want 999", v)
	}

	if st, _ := b.update(2, 0); st != statusNoExist {
		t.Fatalf("update missing = %v, want NoExist", st)
	}
}

func Test_Bucket_Delete_Swaps_The_Last_Record_Down(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	b := mustNewBucket(t, s)

	for i := uint64(0); i < 5; i++ {
		mustPutBucket(t, b, i, i*10)
	}

	if st, err := b.del(1); err != nil || st != statusOK {
		t.Fatalf("del = (%v, %v)", st, err)
	}

	if got := b.entries(); got != 4 {
		t.Fatalf("entries after delete = %d, want 4", got)
	}

	if _, st := b.get(1); st != statusNoExist {
		t.Fatalf("deleted key still present")
	}

	// The survivors keep their values.
	for _, k := range []uint64{0, 2, 3, 4} {
		if v, st := b.get(k); st != statusOK || v != k*10 {
			t.Fatalf("get(%d) = (%d, %v) after delete", k, v, st)
		}
	}

	if st, _ := b.del(1); st != statusNoExist {
		t.Fatalf("double delete = %v, want NoExist", st)
	}
}

func Test_Bucket_Split_Moves_The_Upper_Half_And_Links_The_Chain(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	b := mustNewBucket(t, s)

	// Insert out of order so the split has to sort.
	keys := []uint64{40, 10, 140, 70, 20, 120, 60, 30, 130, 80, 50, 110, 90, 100, 150}
	for _, k := range keys {
		mustPutBucket(t, b, k, k+1)
	}

	nb, splitKey, err := b.split()
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	if splitKey != 80 {
		t.Fatalf("split key = %d, want the sorted midpoint 80", splitKey)
	}

	if got, want := b.entries(), len(keys)/2; got != want {
		t.Fatalf("lower entries = %d, want %d", got, want)
	}

	if got, want := nb.entries(), len(keys)-len(keys)/2; got != want {
		t.Fatalf("upper entries = %d, want %d", got, want)
	}

	if b.next() != nb.off {
		t.Fatal("lower bucket must link to the new upper bucket")
	}

	// Every key lands in exactly the half its ordering demands.
	for _, k := range keys {
		home, other := b, nb
		if k >= splitKey {
			home, other = nb, b
		}

		if v, st := home.get(k); st != statusOK || v != k+1 {
			t.Fatalf("get(%d) = (%d, %v) in its half", k, v, st)
		}

		if _, st := other.get(k); st != statusNoExist {
			t.Fatalf("key %d present in both halves", k)
		}
	}

	// The lower half accepts inserts again.
	if st := mustPutBucket(t, b, 15, 16); st != statusOK {
		t.Fatalf("put after split = %v, want OK", st)
	}
}

func Test_Bucket_Tombstone_Marks_The_Header_Invalid(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	b := mustNewBucket(t, s)

	mustPutBucket(t, b, 1, 1)

	if !b.valid() {
		t.Fatal("fresh bucket must be valid")
	}

	if err := b.tombstone(); err != nil {
		t.Fatalf("tombstone: %v", err)
	}

	if b.valid() {
		t.Fatal("tombstoned bucket must not be valid")
	}
}

func Test_BucketIter_Yields_Sorted_Pairs_From_Seek_Position(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	b := mustNewBucket(t, s)

	for _, k := range []uint64{30, 10, 50, 20, 40} {
		mustPutBucket(t, b, k, k)
	}

	it := newBucketIter(b)
	it.seek(25)

	var got []uint64
	for ; !it.end(); it.next() {
		got = append(got, it.kv().Key)
	}

	want := []uint64{30, 40, 50}
	if len(got) != len(want) {
		t.Fatalf("iterated %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("iterated %v, want %v", got, want)
		}
	}
}
