/*
Copyright 2025 The Glassdome Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package vsphere adapts vCenter and standalone ESXi endpoints to the
// uniform platform client contract via govmomi.
package vsphere

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/session"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/soap"

	"github.com/glassdome/glassdome/pkg/platform"
)

var sessionCache = map[string]Session{}
var sessionMU sync.Mutex

// Session is a vSphere session with a configured Finder.
type Session struct {
	*govmomi.Client
	Finder     *find.Finder
	datacenter *object.Datacenter
}

// Feature toggles optional session behavior.
type Feature struct {
	EnableKeepAlive   bool
	KeepAliveDuration time.Duration
}

// DefaultFeature enables keepalive so pollers reuse one long-lived session
// instead of logging in every cycle.
func DefaultFeature() Feature {
	return Feature{
		EnableKeepAlive:   true,
		KeepAliveDuration: 5 * time.Minute,
	}
}

// Params collects everything needed to establish a session.
type Params struct {
	server     string
	datacenter string
	userinfo   *url.Userinfo
	thumbprint string
	feature    Feature
}

func NewParams() *Params {
	return &Params{
		feature: DefaultFeature(),
	}
}

func (p *Params) WithServer(server string) *Params {
	p.server = server
	return p
}

func (p *Params) WithDatacenter(datacenter string) *Params {
	p.datacenter = datacenter
	return p
}

func (p *Params) WithUserInfo(username, password string) *Params {
	p.userinfo = url.UserPassword(username, password)
	return p
}

func (p *Params) WithThumbprint(thumbprint string) *Params {
	p.thumbprint = thumbprint
	return p
}

func (p *Params) WithFeatures(feature Feature) *Params {
	p.feature = feature
	return p
}

// GetOrCreate gets a cached session or creates a new one if one does not
// already exist.
func GetOrCreate(ctx context.Context, log logr.Logger, params *Params) (*Session, error) {
	logger := log.WithName("session").WithValues("server", params.server, "datacenter", params.datacenter)
	sessionMU.Lock()
	defer sessionMU.Unlock()

	sessionKey := params.server + params.userinfo.Username() + params.datacenter
	if cachedSession, ok := sessionCache[sessionKey]; ok {
		// With keepalive the roundtripper reestablishes the connection and
		// evicts the key when it cannot.
		if params.feature.EnableKeepAlive {
			return &cachedSession, nil
		}
		var err error
		if ok, err = cachedSession.SessionManager.SessionIsActive(ctx); ok {
			logger.V(2).Info("found active cached vSphere client session")
			return &cachedSession, nil
		}
		logger.V(2).Error(err, "error checking if session is active")
	}

	soapURL, err := soap.ParseURL(params.server)
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing vSphere URL %q", params.server)
	}
	if soapURL == nil {
		return nil, errors.Errorf("error parsing vSphere URL %q", params.server)
	}

	soapURL.User = params.userinfo
	client, err := newClient(ctx, logger, sessionKey, soapURL, params.thumbprint, params.feature)
	if err != nil {
		return nil, err
	}

	s := Session{Client: client}
	s.UserAgent = "glassdome"
	s.Finder = find.NewFinder(s.Client.Client, false)

	dc, err := s.Finder.DatacenterOrDefault(ctx, params.datacenter)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to find datacenter %q", params.datacenter)
	}
	s.datacenter = dc
	s.Finder.SetDatacenter(dc)

	sessionCache[sessionKey] = s
	logger.V(2).Info("cached vSphere client session")

	return &s, nil
}

func newClient(ctx context.Context, logger logr.Logger, sessionKey string, url *url.URL, thumbprint string, feature Feature) (*govmomi.Client, error) {
	insecure := thumbprint == ""
	soapClient := soap.NewClient(url, insecure)
	if !insecure {
		soapClient.SetThumbprint(url.Host, thumbprint)
	}

	vimClient, err := vim25.NewClient(ctx, soapClient)
	if err != nil {
		return nil, &platform.TransientError{Op: "connect", Err: err}
	}

	c := &govmomi.Client{
		Client:         vimClient,
		SessionManager: session.NewManager(vimClient),
	}

	if feature.EnableKeepAlive {
		vimClient.RoundTripper = session.KeepAliveHandler(vimClient.RoundTripper, feature.KeepAliveDuration, func(tripper soap.RoundTripper) error {
			// Login on a logged-out client keeps failing with invalid
			// credentials, so on a dead session we only evict the cache
			// entry and let the next GetOrCreate rebuild the client.
			_, err := methods.GetCurrentTime(ctx, tripper)
			if err != nil {
				logger.Error(err, "failed to keep alive govmomi client")
				clearCache(sessionKey)
			}
			return err
		})
	}

	if err := c.Login(ctx, url.User); err != nil {
		return nil, &platform.AuthError{Platform: "vsphere", Err: err}
	}

	return c, nil
}

func clearCache(sessionKey string) {
	sessionMU.Lock()
	defer sessionMU.Unlock()
	delete(sessionCache, sessionKey)
}
