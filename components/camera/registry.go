package camera

import (
	"context"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/utils"
)

// Attributes are the untyped, model specific settings of a source.
type Attributes map[string]interface{}

// Constructor opens a Source of one model.
type Constructor func(ctx context.Context, attrs Attributes, logger logging.Logger) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// RegisterModel makes a source model available to Open. Models register from init.
func RegisterModel(model string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, old := registry[model]; old {
		panic(errors.Errorf("trying to register two sources with the same model %q", model))
	}
	if constructor == nil {
		panic(errors.Errorf("cannot register a nil constructor for model %q", model))
	}
	registry[model] = constructor
}

// RegisteredModels returns the sorted names of every registered model.
func RegisteredModels() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	models := lo.Keys(registry)
	sort.Strings(models)
	return models
}

// Open constructs the source registered under model. Failure to find or initialize the device
// is reported as utils.ErrDeviceUnavailable.
func Open(ctx context.Context, model string, attrs Attributes, logger logging.Logger) (Source, error) {
	registryMu.RLock()
	constructor, ok := registry[model]
	registryMu.RUnlock()
	if !ok {
		return nil, utils.NewDeviceUnavailableError("unknown source model %q (registered: %v)", model, RegisteredModels())
	}
	src, err := constructor(ctx, attrs, logger.Sublogger(model))
	if err != nil {
		if errors.Is(err, utils.ErrInvalidArgument) {
			return nil, errors.Wrapf(err, "configuring %s source", model)
		}
		return nil, errors.Wrapf(utils.Classify(utils.ErrDeviceUnavailable, err), "opening %s source", model)
	}
	return src, nil
}

// DecodeAttributes decodes attrs into the typed config pointed to by out, matching keys against
// the `json` tags of out and rejecting unknown keys.
func DecodeAttributes(attrs Attributes, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(map[string]interface{}(attrs)); err != nil {
		return utils.Classify(utils.ErrInvalidArgument, err)
	}
	return nil
}

// CheckBuffer verifies a width x height buffer matches the geometry of the kind stream.
func CheckBuffer(kind StreamKind, desc StreamDescriptor, width, height int) error {
	if width != int(desc.Width) || height != int(desc.Height) {
		return utils.NewInvalidArgumentError(
			"%s buffer is %dx%d but the stream is %dx%d", kind, width, height, desc.Width, desc.Height)
	}
	return nil
}
