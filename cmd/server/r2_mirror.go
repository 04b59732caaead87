package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"voxelkeep.ai/internal/persistence/r2s3"
)

// buildR2Mirror returns nil unless VK_R2_MIRROR is set.
func buildR2Mirror(worldRoot string, logger *log.Logger) (*r2s3.Mirror, error) {
	if !envBool("VK_R2_MIRROR", false) {
		return nil, nil
	}
	endpoint := strings.TrimSpace(os.Getenv("VK_R2_ENDPOINT"))
	bucket := strings.TrimSpace(os.Getenv("VK_R2_BUCKET"))
	accessKeyID := strings.TrimSpace(os.Getenv("VK_R2_ACCESS_KEY_ID"))
	secretAccessKey := strings.TrimSpace(os.Getenv("VK_R2_SECRET_ACCESS_KEY"))
	if endpoint == "" || bucket == "" || accessKeyID == "" || secretAccessKey == "" {
		return nil, fmt.Errorf("VK_R2_MIRROR=true but VK_R2_ENDPOINT/VK_R2_BUCKET/VK_R2_ACCESS_KEY_ID/VK_R2_SECRET_ACCESS_KEY are not fully set")
	}
	client, err := r2s3.New(endpoint, bucket, accessKeyID, secretAccessKey)
	if err != nil {
		return nil, err
	}
	return r2s3.NewMirror(client, r2s3.MirrorConfig{
		Root:             worldRoot,
		Prefix:           strings.TrimSpace(os.Getenv("VK_R2_PREFIX")),
		Workers:          envInt("VK_R2_UPLOAD_WORKERS", 2),
		Queue:            envInt("VK_R2_QUEUE", 1024),
		UploadsPerSecond: envFloat("VK_R2_UPLOADS_PER_SEC", 0),
		Logger:           logger,
	}), nil
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}
