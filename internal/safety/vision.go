package safety

import (
	"context"
	"errors"
	"fmt"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	"github.com/local/submitgate/internal/apperr"
)

// VisionClassifier uses Cloud Vision SafeSearch detection.
type VisionClassifier struct {
	client *vision.ImageAnnotatorClient
}

// NewVisionClassifier dials Cloud Vision with application default credentials.
func NewVisionClassifier(ctx context.Context, opts ...option.ClientOption) (*VisionClassifier, error) {
	c, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &VisionClassifier{client: c}, nil
}

// Classify implements Classifier.
func (v *VisionClassifier) Classify(ctx context.Context, image []byte) (Verdict, error) {
	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: image},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_SAFE_SEARCH_DETECTION}},
		}},
	}
	resp, err := v.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.GetResponses()) == 0 {
		return nil, errors.New("empty annotate response")
	}
	r := resp.GetResponses()[0]
	if e := r.GetError(); e != nil && e.GetCode() != 0 {
		return nil, fmt.Errorf("annotate image: %s", e.GetMessage())
	}
	return verdictFromAnnotation(r.GetSafeSearchAnnotation())
}

// Close releases the client.
func (v *VisionClassifier) Close() error { return v.client.Close() }

func verdictFromAnnotation(a *visionpb.SafeSearchAnnotation) (Verdict, error) {
	if a == nil {
		return nil, apperr.New(apperr.UpstreamMalformed, apperr.ReasonNoSafeSearch, "safe search returned no annotation")
	}
	return Verdict{
		Adult:    fromVision(a.GetAdult()),
		Violence: fromVision(a.GetViolence()),
		Racy:     fromVision(a.GetRacy()),
		Medical:  fromVision(a.GetMedical()),
		Spoof:    fromVision(a.GetSpoof()),
	}, nil
}

func fromVision(l visionpb.Likelihood) Likelihood {
	switch l {
	case visionpb.Likelihood_VERY_UNLIKELY:
		return VeryUnlikely
	case visionpb.Likelihood_UNLIKELY:
		return Unlikely
	case visionpb.Likelihood_POSSIBLE:
		return Possible
	case visionpb.Likelihood_LIKELY:
		return Likely
	case visionpb.Likelihood_VERY_LIKELY:
		return VeryLikely
	default:
		return Unknown
	}
}
