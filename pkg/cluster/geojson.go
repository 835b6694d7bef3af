package cluster

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ToGeoJSON renders features as a FeatureCollection. Clusters carry
// cluster=true, point_count, cluster_id and member_ids; points carry id,
// category and their raw attributes.
func ToGeoJSON(features []Feature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		switch v := f.(type) {
		case Cluster:
			gf := geojson.NewFeature(orb.Point{v.CentroidLon, v.CentroidLat})
			gf.Properties["cluster"] = true
			gf.Properties["point_count"] = v.Count
			gf.Properties["cluster_id"] = v.CellID
			gf.Properties["member_ids"] = v.MemberIDs
			fc.Append(gf)
		case Point:
			gf := geojson.NewFeature(orb.Point{v.Lon, v.Lat})
			gf.ID = v.ID
			gf.Properties["cluster"] = false
			gf.Properties["id"] = v.ID
			gf.Properties["category"] = v.Category
			if len(v.Attributes) > 0 {
				gf.Properties["attributes"] = v.Attributes
			}
			fc.Append(gf)
		}
	}
	return fc
}

// Counts returns the number of clusters and single points in features.
func Counts(features []Feature) (clusters, points int) {
	for _, f := range features {
		switch f.(type) {
		case Cluster:
			clusters++
		case Point:
			points++
		}
	}
	return clusters, points
}
