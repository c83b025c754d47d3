package metrics

import (
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},

		{"/retry_test", "/retry_test"},
		{"/retry_test/abc123", "/retry_test/{id}"},

		{"/storage/v1/b", "/storage/v1/b"},
		{"/storage/v1/b/my-bucket", "/storage/v1/b/{bucket}"},
		{"/storage/v1/b/my-bucket/o", "/storage/v1/b/{bucket}/o"},
		{"/storage/v1/b/my-bucket/o/my-object", "/storage/v1/b/{bucket}/o/{object}"},
		{"/storage/v1/b/my-bucket/acl", "/storage/v1/b/{bucket}/acl"},
		{"/storage/v1/b/my-bucket/acl/allUsers", "/storage/v1/b/{bucket}/acl/{entity}"},
		{"/storage/v1/b/my-bucket/defaultObjectAcl/allUsers", "/storage/v1/b/{bucket}/defaultObjectAcl/{entity}"},
		{"/storage/v1/b/my-bucket/iam", "/storage/v1/b/{bucket}/iam"},
		{"/storage/v1/b/my-bucket/iam/testPermissions", "/storage/v1/b/{bucket}/iam/testPermissions"},
		{"/storage/v1/b/my-bucket/o/my-object/compose", "/storage/v1/b/{bucket}/o/{object}/compose"},
		{"/storage/v1/b/my-bucket/lockRetentionPolicy", "/storage/v1/b/{bucket}/lockRetentionPolicy"},
		{"/storage/v1/b/my-bucket/notificationConfigs/42", "/storage/v1/b/{bucket}/notificationConfigs/{id}"},
		{"/storage/v1/projects/my-project/hmacKeys", "/storage/v1/projects/{project}/hmacKeys"},
		{"/storage/v1/projects/my-project/hmacKeys/ACCESSID", "/storage/v1/projects/{project}/hmacKeys/{accessId}"},

		{"/upload/storage/v1/b/my-bucket/o", "/upload/storage/v1/b/{bucket}/o"},
		{"/download/storage/v1/b/my-bucket/o/obj", "/download/storage/v1/b/{bucket}/o/{object}"},

		{"/s3/my-bucket", "/s3/{bucket}"},
		{"/s3/my-bucket/path/to/key", "/s3/{bucket}/{key}"},

		{"/some-bucket/some-object", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	// Register metrics explicitly (replaces former init() auto-registration).
	Register()
	Register() // idempotent

	// Verify that recording against every collector does not panic.
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPRequestSize.WithLabelValues("POST", "/upload/storage/v1/b/{bucket}/o").Observe(1024)
	HTTPResponseSize.WithLabelValues("GET", "/download/storage/v1/b/{bucket}/o/{object}").Observe(2048)
	OperationsTotal.WithLabelValues("storage.objects.insert", "success").Inc()
	FaultsInjectedTotal.WithLabelValues("return-503").Inc()
	BytesReceivedTotal.Add(1024)
	BytesSentTotal.Add(2048)
}
