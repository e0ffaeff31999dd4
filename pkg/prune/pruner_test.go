package prune_test

import (
	"context"
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/nextstrain/ghcr-prune/pkg/image"
	"github.com/nextstrain/ghcr-prune/pkg/packages"
	"github.com/nextstrain/ghcr-prune/pkg/prune"
)

// stubFetcher returns fixed child digests per package
type stubFetcher struct {
	digests map[string][]string
	err     error
}

func (f *stubFetcher) ChildDigests(_ context.Context, packageName, _ string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.digests[packageName], nil
}

func manifestListResolver(f *stubFetcher) image.ChildResolver {
	r, err := image.NewResolver(image.ModeManifestList, f, nil)
	Expect(err).NotTo(HaveOccurred())
	return r
}

var _ = Describe("Pruner", func() {
	var (
		api     *mockVersionService
		fetcher *stubFetcher
		opts    prune.Options
	)

	BeforeEach(func() {
		api = new(mockVersionService)
		fetcher = &stubFetcher{digests: map[string][]string{}}
		opts = prune.Options{
			Organization: "nextstrain",
			Packages:     []string{"base"},
			Tag:          "v1",
			Policy:       prune.PolicyKeepOne,
		}
	})

	run := func(resolver image.ChildResolver) (*prune.Result, error) {
		return prune.New(api, resolver, opts).Run(context.Background())
	}

	Context("with a single-platform tag", func() {
		BeforeEach(func() {
			api.On("ListVersions", "base").Return([]packages.Version{
				{ID: 1, Name: "sha256:aaa", Tags: []string{"v1"}},
			}, nil).Once()
		})

		It("should delete the tagged version and nothing else", func() {
			api.On("DeleteVersion", "base", int64(1)).Return(nil).Once()

			result, err := run(manifestListResolver(fetcher))

			Expect(err).NotTo(HaveOccurred())
			Expect(api.methodCalls()).To(Equal([]string{"ListVersions base", "DeleteVersion base 1"}))
			outcome, _ := result.Outcome("base")
			Expect(outcome.Deleted).To(Equal([]prune.Target{{Package: "base", VersionID: 1, Label: "v1"}}))
			Expect(outcome.Failed()).To(BeFalse())
			api.AssertExpectations(GinkgoT())
		})

		It("should keep the last tagged version under keep-one", func() {
			api.On("DeleteVersion", "base", int64(1)).Return(lastTaggedError()).Once()

			result, err := run(manifestListResolver(fetcher))

			Expect(err).NotTo(HaveOccurred())
			api.AssertNotCalled(GinkgoT(), "DeletePackage", mock.Anything)
			Expect(api.Calls).To(HaveLen(2))
			outcome, _ := result.Outcome("base")
			Expect(outcome.Retained).To(HaveLen(1))
			Expect(outcome.Deleted).To(BeEmpty())
			Expect(outcome.Failed()).To(BeFalse())
		})

		It("should delete the package under delete-package", func() {
			opts.Policy = prune.PolicyDeletePackage
			api.On("DeleteVersion", "base", int64(1)).Return(lastTaggedError()).Once()
			api.On("DeletePackage", "base").Return(nil).Once()

			result, err := run(manifestListResolver(fetcher))

			Expect(err).NotTo(HaveOccurred())
			Expect(api.methodCalls()).To(Equal([]string{"ListVersions base", "DeleteVersion base 1", "DeletePackage base"}))
			outcome, _ := result.Outcome("base")
			Expect(outcome.PackageDeleted).To(BeTrue())
			Expect(outcome.Deleted).To(HaveLen(1))
		})

		It("should report a failed package delete", func() {
			opts.Policy = prune.PolicyDeletePackage
			api.On("DeleteVersion", "base", int64(1)).Return(lastTaggedError()).Once()
			api.On("DeletePackage", "base").Return(apiError(http.StatusForbidden, "Forbidden")).Once()

			result, err := run(manifestListResolver(fetcher))

			Expect(err).To(MatchError(prune.ErrIncomplete))
			outcome, _ := result.Outcome("base")
			var pkgErr *prune.PackageDeleteError
			Expect(errors.As(outcome.Err(), &pkgErr)).To(BeTrue())
			Expect(pkgErr.Conflict.Target.VersionID).To(Equal(int64(1)))
			Expect(outcome.PackageDeleted).To(BeFalse())
		})

		DescribeTable("should fail on any other delete error without deleting the package",
			func(policy prune.Policy) {
				opts.Policy = policy
				api.On("DeleteVersion", "base", int64(1)).Return(apiError(http.StatusForbidden, "Must have admin rights to Repository.")).Once()

				result, err := run(manifestListResolver(fetcher))

				Expect(err).To(MatchError(prune.ErrIncomplete))
				api.AssertNotCalled(GinkgoT(), "DeletePackage", mock.Anything)
				outcome, _ := result.Outcome("base")
				var deleteErr *prune.DeleteError
				Expect(errors.As(outcome.Err(), &deleteErr)).To(BeTrue())
				Expect(deleteErr.Target.VersionID).To(Equal(int64(1)))
			},
			Entry("keep-one", prune.PolicyKeepOne),
			Entry("delete-package", prune.PolicyDeletePackage),
		)
	})

	Context("when the tag is not present", func() {
		It("should report NotFoundError, issue no delete and still process later packages", func() {
			opts.Tag = "v2"
			opts.Packages = []string{"base", "base-builder"}
			api.On("ListVersions", "base").Return([]packages.Version{
				{ID: 1, Name: "sha256:aaa", Tags: []string{"v1"}},
			}, nil).Once()
			api.On("ListVersions", "base-builder").Return([]packages.Version{
				{ID: 7, Name: "sha256:bbb", Tags: []string{"v2"}},
			}, nil).Once()
			api.On("DeleteVersion", "base-builder", int64(7)).Return(nil).Once()

			result, err := run(image.NoChildren{})

			Expect(err).To(MatchError(prune.ErrIncomplete))
			api.AssertNotCalled(GinkgoT(), "DeleteVersion", "base", mock.Anything)

			base, _ := result.Outcome("base")
			var notFound *prune.NotFoundError
			Expect(errors.As(base.Err(), &notFound)).To(BeTrue())
			Expect(notFound.Tag).To(Equal("v2"))

			builder, _ := result.Outcome("base-builder")
			Expect(builder.Failed()).To(BeFalse())
			Expect(builder.Deleted).To(HaveLen(1))
			Expect(result.Failed()).To(HaveLen(1))
		})
	})

	Context("when listing fails", func() {
		It("should skip that package and list every other package exactly once", func() {
			opts.Packages = []string{"base", "base-builder-build-platform", "base-builder-target-platform"}
			api.On("ListVersions", "base").Return(nil, errors.New("connection reset")).Once()
			api.On("ListVersions", "base-builder-build-platform").Return([]packages.Version{
				{ID: 2, Name: "sha256:b", Tags: []string{"v1"}},
			}, nil).Once()
			api.On("ListVersions", "base-builder-target-platform").Return([]packages.Version{
				{ID: 3, Name: "sha256:c", Tags: []string{"v1"}},
			}, nil).Once()
			api.On("DeleteVersion", mock.Anything, mock.Anything).Return(nil)

			result, err := run(image.NoChildren{})

			Expect(err).To(MatchError(prune.ErrIncomplete))
			api.AssertNumberOfCalls(GinkgoT(), "ListVersions", 3)
			for _, name := range opts.Packages {
				api.AssertCalled(GinkgoT(), "ListVersions", name)
			}
			base, _ := result.Outcome("base")
			var listErr *prune.ListingError
			Expect(errors.As(base.Err(), &listErr)).To(BeTrue())
			Expect(base.Deleted).To(BeEmpty())
			Expect(result.Failed()).To(HaveLen(1))
			api.AssertNumberOfCalls(GinkgoT(), "DeleteVersion", 2)
		})
	})

	Context("with a multi-platform tag in manifest-list mode", func() {
		BeforeEach(func() {
			api.On("ListVersions", "base").Return([]packages.Version{
				{ID: 10, Name: "sha256:list", Tags: []string{"v1"}},
				{ID: 11, Name: "sha256:amd64"},
				{ID: 12, Name: "sha256:arm64"},
				{ID: 13, Name: "sha256:unrelated"},
			}, nil).Once()
			fetcher.digests["base"] = []string{"sha256:amd64", "sha256:arm64"}
		})

		It("should delete every child before the tagged version", func() {
			api.On("DeleteVersion", "base", mock.Anything).Return(nil)

			result, err := run(manifestListResolver(fetcher))

			Expect(err).NotTo(HaveOccurred())
			Expect(api.methodCalls()).To(Equal([]string{
				"ListVersions base",
				"DeleteVersion base 11",
				"DeleteVersion base 12",
				"DeleteVersion base 10",
			}))
			outcome, _ := result.Outcome("base")
			Expect(outcome.Deleted).To(Equal([]prune.Target{
				{Package: "base", VersionID: 11, Label: "sha256:amd64"},
				{Package: "base", VersionID: 12, Label: "sha256:arm64"},
				{Package: "base", VersionID: 10, Label: "v1"},
			}))
		})

		It("should keep going after a child fails", func() {
			api.On("DeleteVersion", "base", int64(11)).Return(apiError(http.StatusInternalServerError, "Server Error")).Once()
			api.On("DeleteVersion", "base", int64(12)).Return(nil).Once()
			api.On("DeleteVersion", "base", int64(10)).Return(nil).Once()

			result, err := run(manifestListResolver(fetcher))

			Expect(err).To(MatchError(prune.ErrIncomplete))
			api.AssertExpectations(GinkgoT())
			outcome, _ := result.Outcome("base")
			Expect(outcome.Deleted).To(HaveLen(2))
			Expect(outcome.Errors).To(HaveLen(1))
		})

		It("should still delete the tagged version when the manifest list cannot be fetched", func() {
			fetcher.err = &image.ManifestFetchError{Reference: "ghcr.io/nextstrain/base:v1", Err: errors.New("401 Unauthorized")}
			api.On("DeleteVersion", "base", int64(10)).Return(nil).Once()

			result, err := run(manifestListResolver(fetcher))

			Expect(err).To(MatchError(prune.ErrIncomplete))
			Expect(api.methodCalls()).To(Equal([]string{"ListVersions base", "DeleteVersion base 10"}))
			outcome, _ := result.Outcome("base")
			var fetchErr *image.ManifestFetchError
			Expect(errors.As(outcome.Err(), &fetchErr)).To(BeTrue())
			Expect(outcome.Deleted).To(HaveLen(1))
		})

		It("should plan but not delete in a dry run", func() {
			opts.DryRun = true

			result, err := run(manifestListResolver(fetcher))

			Expect(err).NotTo(HaveOccurred())
			api.AssertNotCalled(GinkgoT(), "DeleteVersion", mock.Anything, mock.Anything)
			outcome, _ := result.Outcome("base")
			Expect(outcome.Planned).To(HaveLen(3))
			Expect(outcome.Planned[2].VersionID).To(Equal(int64(10)))
		})
	})

	Context("with a multi-platform tag in derived-tag mode", func() {
		It("should delete platform-tagged versions first", func() {
			api.On("ListVersions", "base").Return([]packages.Version{
				{ID: 20, Name: "sha256:a", Tags: []string{"v1-amd64"}},
				{ID: 21, Name: "sha256:b", Tags: []string{"v1"}},
				{ID: 22, Name: "sha256:c", Tags: []string{"v1-arm64"}},
			}, nil).Once()
			api.On("DeleteVersion", "base", mock.Anything).Return(nil)
			resolver, err := image.NewResolver(image.ModeDerivedTag, nil, []string{"amd64", "arm64"})
			Expect(err).NotTo(HaveOccurred())

			_, err = run(resolver)

			Expect(err).NotTo(HaveOccurred())
			Expect(api.methodCalls()).To(Equal([]string{
				"ListVersions base",
				"DeleteVersion base 20",
				"DeleteVersion base 22",
				"DeleteVersion base 21",
			}))
		})

		It("should delete no platform version when the tag itself is missing", func() {
			opts.Tag = "v2"
			api.On("ListVersions", "base").Return([]packages.Version{
				{ID: 1, Name: "sha256:a", Tags: []string{"latest"}},
				{ID: 3, Name: "sha256:c", Tags: []string{"v2-amd64"}},
			}, nil).Once()
			resolver, err := image.NewResolver(image.ModeDerivedTag, nil, []string{"amd64", "arm64"})
			Expect(err).NotTo(HaveOccurred())

			result, err := run(resolver)

			Expect(err).To(MatchError(prune.ErrIncomplete))
			api.AssertNotCalled(GinkgoT(), "DeleteVersion", mock.Anything, mock.Anything)
			outcome, _ := result.Outcome("base")
			var notFound *prune.NotFoundError
			Expect(errors.As(outcome.Err(), &notFound)).To(BeTrue())
			Expect(outcome.Deleted).To(BeEmpty())
		})
	})

	Context("when verifying tag ownership", func() {
		BeforeEach(func() {
			opts.VerifyTagOwnership = true
		})

		It("should delete when the tag has not moved", func() {
			api.On("ListVersions", "base").Return([]packages.Version{
				{ID: 1, Name: "sha256:aaa", Tags: []string{"v1"}},
			}, nil).Twice()
			api.On("DeleteVersion", "base", int64(1)).Return(nil).Once()

			_, err := run(image.NoChildren{})

			Expect(err).NotTo(HaveOccurred())
			api.AssertExpectations(GinkgoT())
		})

		It("should not delete when the tag has moved", func() {
			api.On("ListVersions", "base").Return([]packages.Version{
				{ID: 1, Name: "sha256:aaa", Tags: []string{"v1"}},
			}, nil).Once()
			api.On("ListVersions", "base").Return([]packages.Version{
				{ID: 1, Name: "sha256:aaa"},
				{ID: 2, Name: "sha256:bbb", Tags: []string{"v1"}},
			}, nil).Once()

			result, err := run(image.NoChildren{})

			Expect(err).To(MatchError(prune.ErrIncomplete))
			api.AssertNotCalled(GinkgoT(), "DeleteVersion", mock.Anything, mock.Anything)
			outcome, _ := result.Outcome("base")
			var moved *prune.TagMovedError
			Expect(errors.As(outcome.Err(), &moved)).To(BeTrue())
			Expect(moved.CurrentID).To(Equal(int64(2)))
		})

		It("should not delete when the second listing fails", func() {
			api.On("ListVersions", "base").Return([]packages.Version{
				{ID: 1, Name: "sha256:aaa", Tags: []string{"v1"}},
			}, nil).Once()
			api.On("ListVersions", "base").Return(nil, errors.New("connection reset")).Once()

			result, err := run(image.NoChildren{})

			Expect(err).To(MatchError(prune.ErrIncomplete))
			api.AssertNotCalled(GinkgoT(), "DeleteVersion", mock.Anything, mock.Anything)
			outcome, _ := result.Outcome("base")
			var listErr *prune.ListingError
			Expect(errors.As(outcome.Err(), &listErr)).To(BeTrue())
			Expect(listErr.Package).To(Equal("base"))
		})

		It("should not delete when the tag has disappeared", func() {
			api.On("ListVersions", "base").Return([]packages.Version{
				{ID: 1, Name: "sha256:aaa", Tags: []string{"v1"}},
			}, nil).Once()
			api.On("ListVersions", "base").Return([]packages.Version{
				{ID: 1, Name: "sha256:aaa"},
			}, nil).Once()

			result, err := run(image.NoChildren{})

			Expect(err).To(MatchError(prune.ErrIncomplete))
			api.AssertNotCalled(GinkgoT(), "DeleteVersion", mock.Anything, mock.Anything)
			outcome, _ := result.Outcome("base")
			var notFound *prune.NotFoundError
			Expect(errors.As(outcome.Err(), &notFound)).To(BeTrue())
			Expect(notFound.Tag).To(Equal("v1"))
		})
	})

	Context("with concurrency", func() {
		It("should report outcomes in configured order", func() {
			opts.Packages = []string{"a", "b", "c", "d"}
			opts.Concurrency = 4
			for i, name := range opts.Packages {
				api.On("ListVersions", name).Return([]packages.Version{
					{ID: int64(i + 1), Name: "sha256:" + name, Tags: []string{"v1"}},
				}, nil).Once()
			}
			api.On("DeleteVersion", "c", int64(3)).Return(apiError(http.StatusForbidden, "Forbidden")).Once()
			api.On("DeleteVersion", mock.Anything, mock.Anything).Return(nil)

			result, err := run(image.NoChildren{})

			Expect(err).To(MatchError(prune.ErrIncomplete))
			Expect(result.Outcomes).To(HaveLen(4))
			for i, name := range opts.Packages {
				Expect(result.Outcomes[i].Package).To(Equal(name))
			}
			Expect(result.Failed()).To(HaveLen(1))
			Expect(result.Failed()[0].Package).To(Equal("c"))
		})
	})
})
