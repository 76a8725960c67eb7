package s3

import (
	"testing"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, buckets map[string]BucketConfig) *Store {
	t.Helper()
	clients := make(map[string]*awss3.Client, len(buckets))
	for prefix := range buckets {
		clients[prefix] = &awss3.Client{}
	}
	s, err := New(buckets, clients)
	require.NoError(t, err)
	return s
}

func TestRouteLongestPrefixWins(t *testing.T) {
	s := testStore(t, map[string]BucketConfig{
		"/":          {BucketName: "default-bucket"},
		"/project":   {BucketName: "project-bucket"},
		"/project/a": {BucketName: "a-bucket"},
	})

	cases := map[string]string{
		"/other/obj":       "default-bucket",
		"/project/obj":     "project-bucket",
		"/project/a/obj":   "a-bucket",
		"/project/a":       "a-bucket",
		"/projectile/obj":  "default-bucket",
		"/project/b/x/obj": "project-bucket",
	}
	for name, want := range cases {
		b, err := s.route(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, b.cfg.BucketName, name)
	}
}

func TestRouteNoMatch(t *testing.T) {
	s := testStore(t, map[string]BucketConfig{
		"/project": {BucketName: "project-bucket"},
	})
	_, err := s.route("/elsewhere/obj")
	assert.Error(t, err)
}

func TestKeyNamingSchemes(t *testing.T) {
	s := testStore(t, map[string]BucketConfig{
		"/kv":  {BucketName: "kv", BucketPathPrefix: "data", Method: MethodNameVersion},
		"/raw": {BucketName: "raw", Method: MethodName, UnquoteObjectKeys: true},
	})

	b, err := s.route("/kv/dir/obj")
	require.NoError(t, err)
	assert.Equal(t, "data/kv/dir/obj:V1", b.key("/kv/dir/obj", "V1"))

	b, err = s.route("/raw/café")
	require.NoError(t, err)
	assert.Equal(t, "raw/café", b.key("/raw/café", "V1"))
}

func TestKeyQuotesUnsafeNames(t *testing.T) {
	s := testStore(t, map[string]BucketConfig{
		"/": {BucketName: "b", Method: MethodNameVersion},
	})
	b, err := s.route("/ns/caf é")
	require.NoError(t, err)
	assert.Equal(t, "ns/caf%20%C3%A9:V", b.key("/ns/caf é", "V"))
}

func TestKeyEscapesColon(t *testing.T) {
	s := testStore(t, map[string]BucketConfig{
		"/": {BucketName: "b", Method: MethodNameVersion},
	})
	b, err := s.route("/ns/a:b")
	require.NoError(t, err)
	// a literal ':' in the name must not collide with the version separator
	assert.Equal(t, "ns/a%3Ab:V", b.key("/ns/a:b", "V"))
}

func TestAddress(t *testing.T) {
	s := testStore(t, map[string]BucketConfig{
		"/": {BucketName: "bkt", Method: MethodNameVersion},
	})
	assert.Equal(t, "bkt/ns/obj:V1", s.Address("/ns/obj", "V1"))
}

func TestUnknownMethodRejected(t *testing.T) {
	clients := map[string]*awss3.Client{"/": {}}
	_, err := New(map[string]BucketConfig{
		"/": {BucketName: "b", Method: "bogus"},
	}, clients)
	assert.Error(t, err)
}

func TestHandlePackRoundTrip(t *testing.T) {
	h := packHandle("VERSIONID", "upload.id.with.dots")
	v, u, err := unpackHandle(h)
	require.NoError(t, err)
	assert.Equal(t, "VERSIONID", v)
	assert.Equal(t, "upload.id.with.dots", u)

	_, _, err = unpackHandle("nodots")
	assert.Error(t, err)
}
