package hashutil

import "testing"

func TestHash64Deterministic(t *testing.T) {
	a := Hash64([]byte("row-key-42"))
	b := Hash64([]byte("row-key-42"))
	if a != b {
		t.Fatalf("Hash64 not deterministic: %d != %d", a, b)
	}
}

func TestHash64DistinguishesInputs(t *testing.T) {
	a := Hash64([]byte("alpha"))
	b := Hash64([]byte("beta"))
	if a == b {
		t.Fatal("Hash64(\"alpha\") == Hash64(\"beta\")")
	}
}

func TestHash64HandlesNonMultipleOfEightLengths(t *testing.T) {
	for n := 0; n < 20; n++ {
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = byte(i)
		}
		if h := Hash64(buf); h == 0 && n > 0 {
			t.Fatalf("Hash64 of %d-byte input was exactly 0, suspicious", n)
		}
	}
}

func TestHashUint64MatchesHash64OfBigEndianBytes(t *testing.T) {
	var buf [8]byte
	buf[7] = 7
	want := Hash64(buf[:])
	if got := HashUint64(7); got != want {
		t.Fatalf("HashUint64(7) = %d, want %d", got, want)
	}
}
