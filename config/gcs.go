package config

import (
	"sync"
)

var (
	gcsOnce   sync.Once
	gcsConfig *GCSConfig
)

type GCSConfig struct {
	BucketName      string `yaml:"bucket"`
	ProjectID       string `yaml:"projectId"`
	CredentialsFile string `yaml:"credentialsFile"`
	// Used to sign URLs when running without a service account key file.
	SignerEmail string `yaml:"signerEmail"`
	// Vertex AI extraction shares the project.
	VertexLocation string `yaml:"vertexLocation"`
	VertexModel    string `yaml:"vertexModel"`
}

func GetGCSConfig() *GCSConfig {
	gcsOnce.Do(func() {
		loadDotEnv()
		gcsConfig = &GCSConfig{
			BucketName:      getEnv("GCS_BUCKET_NAME", ""),
			ProjectID:       getEnv("PROJECT_ID", ""),
			CredentialsFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
			SignerEmail:     getEnv("GCS_SIGNER_EMAIL", ""),
			VertexLocation:  getEnv("VERTEX_LOCATION", "us-central1"),
			VertexModel:     getEnv("VERTEX_MODEL", "gemini-1.5-pro"),
		}
	})
	return gcsConfig
}
