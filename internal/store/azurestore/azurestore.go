// Package azurestore backs the Persistence Facade with the teacher's three
// Azure Storage services instead of local files: azqueue for the network
// cache, aztables for the value DB, azblob for the metadata DB. Each
// mirrors the client-construction shape of the teacher's newQueueClient /
// newTableClient / newBlobClient (azqueue.go, aztable.go, azblob.go):
// shared-key credential when account+key are present, otherwise anonymous
// (SAS-bearing URL).
package azurestore

import (
	"context"
	"fmt"

	"github.com/zwavecore/hostdriver/internal/store"
)

// Endpoint names the Azure Storage account backing all three segments.
// Account/Key follow the teacher's credential fallback in endpoint.go
// ("URL Userinfo > Environment Variables"); when Key is empty the SDK
// clients are built with NewClientWithNoCredential against ServiceURL,
// which must then already carry a valid SAS query string per resource.
type Endpoint struct {
	ServiceURL string
	Account    string
	Key        string
}

var errClientCreationFailed = fmt.Errorf("azurestore: client creation failed")

func wrapClientErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", errClientCreationFailed, err)
}

// Backend wires the three Azure-backed logs behind store.Backend, named
// by home id the way jsonlstore.Backend names its files: a queue, a
// table, and a blob container+prefix per home.
type Backend struct {
	Endpoint Endpoint
}

func (b Backend) OpenNetworkCache(homeID uint32, revive store.Reviver) (store.Log, error) {
	return OpenQueueCache(context.Background(), b.Endpoint, fmt.Sprintf("zwave-%08x-cache", homeID), revive)
}

func (b Backend) OpenValueDB(homeID uint32, revive store.Reviver) (store.Log, error) {
	return OpenTableValueDB(context.Background(), b.Endpoint, fmt.Sprintf("zwave%08xvalues", homeID), revive)
}

func (b Backend) OpenMetadataDB(homeID uint32, revive store.Reviver) (store.Log, error) {
	return OpenBlobMetadataDB(context.Background(), b.Endpoint, fmt.Sprintf("zwave-%08x-metadata", homeID), "metadata", revive)
}

var _ store.Backend = Backend{}
