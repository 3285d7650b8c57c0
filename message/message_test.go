package message

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xaynetwork/xaynet/crypto"
	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/pet"
)

func testMaskConfig() mask.MaskConfig {
	return mask.MaskConfig{GroupType: mask.Prime, DataType: mask.F32, BoundType: mask.B0, ModelType: mask.M3}
}

func testMaskObject(t *testing.T, length int) mask.MaskObject {
	t.Helper()
	seed, err := mask.NewMaskSeed()
	require.NoError(t, err)
	return seed.DeriveMask(length, testMaskConfig())
}

func testLocalSeedDict(t *testing.T, n int) pet.LocalSeedDict {
	t.Helper()
	dict := make(pet.LocalSeedDict, n)
	for i := 0; i < n; i++ {
		pair, err := crypto.GenerateSigningKeyPair()
		require.NoError(t, err)
		ephm, err := crypto.GenerateEncryptKeyPair()
		require.NoError(t, err)
		seed, err := mask.NewMaskSeed()
		require.NoError(t, err)
		sealed, err := seed.Encrypt(ephm.Public)
		require.NoError(t, err)
		dict[pair.Public] = sealed
	}
	return dict
}

func testHeader(t *testing.T, tag Tag) (Header, crypto.SigningKeyPair) {
	t.Helper()
	signer, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	coord, err := crypto.GenerateEncryptKeyPair()
	require.NoError(t, err)
	return Header{ParticipantPK: signer.Public, CoordinatorPK: coord.Public, Tag: tag}, signer
}

func encodeDecode(t *testing.T, msg *Message, signer crypto.SigningKeyPair) *Message {
	t.Helper()
	data := msg.Encode(signer.Secret)
	env, err := ParseEnvelope(data)
	require.NoError(t, err)
	require.NoError(t, env.VerifySignature())
	require.Equal(t, msg.Header, env.Header)
	back, err := env.Parse()
	require.NoError(t, err)
	return back
}

func TestSumRoundTrip(t *testing.T) {
	header, signer := testHeader(t, TagSum)
	ephm, err := crypto.GenerateEncryptKeyPair()
	require.NoError(t, err)
	msg := &Message{Header: header, Payload: &Sum{
		SumSignature: crypto.Sign(signer.Secret, []byte("task")),
		EphemeralPK:  ephm.Public,
	}}

	back := encodeDecode(t, msg, signer)
	require.Equal(t, msg.Payload, back.Payload)
}

func TestUpdateRoundTrip(t *testing.T) {
	header, signer := testHeader(t, TagUpdate)
	msg := &Message{Header: header, Payload: &Update{
		SumSignature:    crypto.Sign(signer.Secret, []byte("sum")),
		UpdateSignature: crypto.Sign(signer.Secret, []byte("update")),
		MaskedModel:     testMaskObject(t, 4),
		LocalSeedDict:   testLocalSeedDict(t, 3),
	}}

	back := encodeDecode(t, msg, signer)
	got := back.Payload.(*Update)
	want := msg.Payload.(*Update)
	require.Equal(t, want.SumSignature, got.SumSignature)
	require.Equal(t, want.UpdateSignature, got.UpdateSignature)
	require.True(t, want.MaskedModel.Equal(got.MaskedModel))
	require.Equal(t, want.LocalSeedDict, got.LocalSeedDict)
}

func TestSum2RoundTrip(t *testing.T) {
	header, signer := testHeader(t, TagSum2)
	msg := &Message{Header: header, Payload: &Sum2{
		SumSignature: crypto.Sign(signer.Secret, []byte("sum")),
		Mask:         testMaskObject(t, 4),
	}}

	back := encodeDecode(t, msg, signer)
	require.True(t, msg.Payload.(*Sum2).Mask.Equal(back.Payload.(*Sum2).Mask))
}

func TestEncryptedRoundTrip(t *testing.T) {
	header, signer := testHeader(t, TagSum)
	coord, err := crypto.GenerateEncryptKeyPair()
	require.NoError(t, err)
	header.CoordinatorPK = coord.Public
	ephm, err := crypto.GenerateEncryptKeyPair()
	require.NoError(t, err)
	msg := &Message{Header: header, Payload: &Sum{EphemeralPK: ephm.Public}}

	sealed, err := msg.EncryptTo(signer.Secret, coord.Public)
	require.NoError(t, err)

	clear, err := crypto.SealOpen(coord, sealed)
	require.NoError(t, err)
	env, err := ParseEnvelope(clear)
	require.NoError(t, err)
	require.NoError(t, env.VerifySignature())
}

func TestEnvelopeRejections(t *testing.T) {
	header, signer := testHeader(t, TagSum)
	ephm, err := crypto.GenerateEncryptKeyPair()
	require.NoError(t, err)
	msg := &Message{Header: header, Payload: &Sum{EphemeralPK: ephm.Public}}
	data := msg.Encode(signer.Secret)

	_, err = ParseEnvelope(data[:HeaderLength-1])
	require.ErrorIs(t, err, ErrTruncated)

	bad := append([]byte{}, data...)
	bad[130] = 1
	_, err = ParseEnvelope(bad)
	require.ErrorIs(t, err, ErrReservedNotZero)

	bad = append([]byte{}, data...)
	bad[128] = 9
	_, err = ParseEnvelope(bad)
	require.ErrorIs(t, err, ErrUnsupportedTag)

	bad = append([]byte{}, data...)
	bad[129] = 0x80
	_, err = ParseEnvelope(bad)
	require.ErrorIs(t, err, ErrUnknownFlags)

	bad = append([]byte{}, data...)
	bad[HeaderLength] ^= 0xff
	env, err := ParseEnvelope(bad)
	require.NoError(t, err)
	require.ErrorIs(t, env.VerifySignature(), ErrInvalidSignature)
}

func TestSumPayloadRejectsTrailingBytes(t *testing.T) {
	_, err := decodeSum(make([]byte, 97))
	require.ErrorIs(t, err, ErrTrailingBytes)
	_, err = decodeSum(make([]byte, 95))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestLocalSeedDictRejections(t *testing.T) {
	dict := testLocalSeedDict(t, 2)
	buf := appendLocalSeedDict(nil, dict)

	// Length below the prefix size.
	bad := append([]byte{}, buf...)
	bad[0], bad[1], bad[2], bad[3] = 0, 0, 0, 3
	_, _, err := decodeLocalSeedDict(bad)
	require.ErrorIs(t, err, ErrBadLength)

	// Length past the end of the buffer.
	_, _, err = decodeLocalSeedDict(buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrBadLength)

	// Length not covering whole entries.
	bad = append(append([]byte{}, buf...), 0xaa)
	bad[3]++
	_, _, err = decodeLocalSeedDict(bad)
	require.ErrorIs(t, err, ErrBadLength)
}

func TestUpdateRejectsTrailingBytes(t *testing.T) {
	header, signer := testHeader(t, TagUpdate)
	msg := &Message{Header: header, Payload: &Update{
		MaskedModel:   testMaskObject(t, 2),
		LocalSeedDict: testLocalSeedDict(t, 1),
	}}
	data := append(msg.Encode(signer.Secret), 0x00)

	env, err := ParseEnvelope(data)
	require.NoError(t, err)
	_, err = env.Parse()
	require.ErrorIs(t, err, ErrTrailingBytes)
}

func TestChunkCodec(t *testing.T) {
	c := &Chunk{MessageID: 7, ChunkID: 3, Last: true, Data: []byte{1, 2, 3}}
	buf := c.appendTo(nil)
	back, err := decodeChunk(buf)
	require.NoError(t, err)
	require.Equal(t, c, back)

	bad := append([]byte{}, buf...)
	bad[5] = 1
	_, err = decodeChunk(bad)
	require.ErrorIs(t, err, ErrReservedNotZero)
}

func TestMultipartReassemblyAnyOrder(t *testing.T) {
	header, signer := testHeader(t, TagUpdate)
	inner := &Message{Header: header, Payload: &Update{
		SumSignature:    crypto.Sign(signer.Secret, []byte("sum")),
		UpdateSignature: crypto.Sign(signer.Secret, []byte("update")),
		MaskedModel:     testMaskObject(t, 16),
		LocalSeedDict:   testLocalSeedDict(t, 4),
	}}
	payload := inner.Payload.appendTo(nil)

	for _, size := range []int{1, 7, 64, len(payload) - 1, len(payload) + 10} {
		chunks := ChunkPayload(payload, size, 42)
		rand.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })

		mp, err := NewMultipart(8)
		require.NoError(t, err)
		var got *Message
		for i, c := range chunks {
			m, err := mp.Add(header, c)
			require.NoError(t, err)
			if i < len(chunks)-1 {
				require.Nil(t, m, "chunk size %d", size)
			} else {
				got = m
			}
		}
		require.NotNil(t, got, "chunk size %d", size)
		require.True(t, inner.Payload.(*Update).MaskedModel.Equal(got.Payload.(*Update).MaskedModel))
		require.Equal(t, inner.Payload.(*Update).LocalSeedDict, got.Payload.(*Update).LocalSeedDict)
		require.Zero(t, mp.Len())
	}
}

func TestMultipartInterleavedParticipants(t *testing.T) {
	headerA, signerA := testHeader(t, TagSum)
	headerB, signerB := testHeader(t, TagSum)
	ephm, err := crypto.GenerateEncryptKeyPair()
	require.NoError(t, err)

	payloadA := (&Sum{SumSignature: crypto.Sign(signerA.Secret, []byte("a")), EphemeralPK: ephm.Public}).appendTo(nil)
	payloadB := (&Sum{SumSignature: crypto.Sign(signerB.Secret, []byte("b")), EphemeralPK: ephm.Public}).appendTo(nil)

	chunksA := ChunkPayload(payloadA, 10, 1)
	chunksB := ChunkPayload(payloadB, 10, 1)

	mp, err := NewMultipart(8)
	require.NoError(t, err)
	var gotA, gotB *Message
	for i := range chunksA {
		gotA, err = mp.Add(headerA, chunksA[i])
		require.NoError(t, err)
		gotB, err = mp.Add(headerB, chunksB[i])
		require.NoError(t, err)
	}
	require.NotNil(t, gotA)
	require.NotNil(t, gotB)
	require.Equal(t, payloadA, gotA.Payload.appendTo(nil))
	require.Equal(t, payloadB, gotB.Payload.appendTo(nil))
}

func TestMaskObjectElementWidthOnWire(t *testing.T) {
	cfg := testMaskConfig()
	obj := mask.NewMaskObject(cfg, []*big.Int{big.NewInt(1)}, big.NewInt(0))
	// config code + count + one element, twice (vector and unit).
	want := 2 * (4 + 4 + cfg.ElementLength())
	require.Len(t, obj.EncodeBinary(), want)
}
