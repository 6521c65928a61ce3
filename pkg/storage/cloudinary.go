package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"

	"github.com/d60-Lab/socialsync/config"
)

// cloudinaryAPI is the part of the Cloudinary upload API the store uses.
type cloudinaryAPI interface {
	Upload(ctx context.Context, file interface{}, params uploader.UploadParams) (*uploader.UploadResult, error)
	Destroy(ctx context.Context, params uploader.DestroyParams) (*uploader.DestroyResult, error)
}

// Cloudinary stores media in a Cloudinary account. Uploads use resource
// type "auto", so the storage ID is "<resource type>:<public id>" and
// Delete destroys the asset under the same resource type.
type Cloudinary struct {
	api cloudinaryAPI
}

func NewCloudinary(cfg config.StorageConfig) (*Cloudinary, error) {
	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: %w", err)
	}
	return &Cloudinary{api: &cld.Upload}, nil
}

func (c *Cloudinary) Upload(ctx context.Context, name string, r io.Reader) (Object, error) {
	res, err := c.api.Upload(ctx, r, uploader.UploadParams{ResourceType: "auto"})
	if err != nil {
		return Object{}, fmt.Errorf("cloudinary upload %s: %w", name, err)
	}
	if res.Error.Message != "" {
		return Object{}, fmt.Errorf("cloudinary upload %s: %s", name, res.Error.Message)
	}
	return Object{URL: res.SecureURL, StorageID: cloudinaryStorageID(res.ResourceType, res.PublicID)}, nil
}

func (c *Cloudinary) Delete(ctx context.Context, storageID string) error {
	resourceType, publicID := parseCloudinaryStorageID(storageID)
	res, err := c.api.Destroy(ctx, uploader.DestroyParams{PublicID: publicID, ResourceType: resourceType})
	if err != nil {
		return fmt.Errorf("cloudinary destroy %s: %w", storageID, err)
	}
	if res.Error.Message != "" {
		return fmt.Errorf("cloudinary destroy %s: %s", storageID, res.Error.Message)
	}
	switch res.Result {
	case "ok":
		return nil
	case "not found":
		return ErrNotFound
	default:
		return errors.New("cloudinary destroy " + storageID + ": " + res.Result)
	}
}

func cloudinaryStorageID(resourceType, publicID string) string {
	if resourceType == "" {
		resourceType = "image"
	}
	return resourceType + ":" + publicID
}

// parseCloudinaryStorageID accepts bare public ids as images.
func parseCloudinaryStorageID(storageID string) (resourceType, publicID string) {
	if rt, id, ok := strings.Cut(storageID, ":"); ok {
		switch rt {
		case "image", "video", "raw":
			return rt, id
		}
	}
	return "image", storageID
}
